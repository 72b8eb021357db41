package collab

import "crypto/sha256"

// fingerprint mirrors the teacher's cert-identity check in
// network/protocols.go: peer certificates are recognized by the sha256
// digest of their raw DER bytes rather than by CA-chain validation, since
// quorum membership (not a public PKI) is the source of truth for which
// certificates are trusted.
func fingerprint(der []byte) [32]byte {
	return sha256.Sum256(der)
}
