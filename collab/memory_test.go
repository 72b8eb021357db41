package collab

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	server "zableader.io/server"
)

func TestInMemoryReplicatedStateSubmitAndAdvance(t *testing.T) {
	s := NewInMemoryReplicatedState()
	require.NoError(t, s.LoadData())

	require.NoError(t, s.SubmitRequest([]byte("one")))
	require.NoError(t, s.SubmitRequest([]byte("two")))
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, s.Applied())

	s.AdvanceZxid(server.MakeZxid(1, 5))
	assert.Equal(t, server.MakeZxid(1, 5), s.LastProcessedZxid())

	// Advancing to a lower zxid must not move it backwards.
	s.AdvanceZxid(server.MakeZxid(1, 2))
	assert.Equal(t, server.MakeZxid(1, 5), s.LastProcessedZxid())
}

func TestInMemoryReplicatedStateSessionValidity(t *testing.T) {
	s := NewInMemoryReplicatedState()
	sid := server.ServerId(7)

	assert.False(t, s.CheckIfValidGlobalSession(sid, time.Minute))
	require.NoError(t, s.TouchSession(sid, time.Hour))
	assert.True(t, s.CheckIfValidGlobalSession(sid, time.Minute))
}

func TestInMemoryReplicatedStateSnapshotStream(t *testing.T) {
	s := NewInMemoryReplicatedState()
	require.NoError(t, s.SubmitRequest([]byte("abc")))
	require.NoError(t, s.SubmitRequest([]byte("def")))

	r, err := s.SnapshotStream(context.Background())
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))
}

func TestInMemoryEpochStoreRefusesBackwardsMove(t *testing.T) {
	s := NewInMemoryEpochStore()
	require.NoError(t, s.SetAcceptedEpoch(3))
	got, err := s.GetAcceptedEpoch()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), got)

	err = s.SetAcceptedEpoch(2)
	assert.Error(t, err)

	got, err = s.GetAcceptedEpoch()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), got, "a rejected backwards move must not change the stored epoch")
}

func TestInMemoryEpochStoreFirstWriteAcceptsAnyValue(t *testing.T) {
	s := NewInMemoryEpochStore()
	require.NoError(t, s.SetAcceptedEpoch(0), "the very first write must not be rejected as a backwards move")
}

func TestInMemoryTransactionLogIterateBounds(t *testing.T) {
	l := NewInMemoryTransactionLog()
	for _, z := range []server.Zxid{
		server.MakeZxid(1, 1),
		server.MakeZxid(1, 2),
		server.MakeZxid(1, 3),
		server.MakeZxid(1, 4),
	} {
		l.Append(LoggedProposal{Zxid: z, Payload: []byte(z.String())})
	}

	assert.Equal(t, server.MakeZxid(1, 1), l.MinCommittedLog())
	assert.Equal(t, server.MakeZxid(1, 4), l.MaxCommittedLog())

	out, err := l.Iterate(server.MakeZxid(1, 1), server.MakeZxid(1, 3))
	require.NoError(t, err)
	require.Len(t, out, 2, "exclusive lower bound, inclusive upper bound")
	assert.Equal(t, server.MakeZxid(1, 2), out[0].Zxid)
	assert.Equal(t, server.MakeZxid(1, 3), out[1].Zxid)
}

func TestInMemoryTransactionLogAppendOutOfOrderStaysSorted(t *testing.T) {
	l := NewInMemoryTransactionLog()
	l.Append(LoggedProposal{Zxid: server.MakeZxid(1, 3)})
	l.Append(LoggedProposal{Zxid: server.MakeZxid(1, 1)})
	l.Append(LoggedProposal{Zxid: server.MakeZxid(1, 2)})

	out, err := l.Iterate(0, server.MakeZxid(1, 3))
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.True(t, out[0].Zxid < out[1].Zxid)
	assert.True(t, out[1].Zxid < out[2].Zxid)
}

func TestNoopElectionDriverRecordsShutdown(t *testing.T) {
	d := &NoopElectionDriver{}
	notified, err := d.Notified()
	assert.False(t, notified)
	assert.NoError(t, err)

	d.LeaderShutdown(server.ErrQuorumLost)
	notified, err = d.Notified()
	assert.True(t, notified)
	assert.ErrorIs(t, err, server.ErrQuorumLost)
}

// selfSignedCert builds a minimal self-signed certificate/key pair for TLS
// handshake tests, the same throwaway-CA shape used across the pack's own
// connection tests.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "learner"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestStaticQuorumAuthServerAuthenticatesKnownFingerprint(t *testing.T) {
	serverCert := selfSignedCert(t)
	clientCert := selfSignedCert(t)
	clientFingerprint := sha256.Sum256(clientCert.Certificate[0])

	auth := &StaticQuorumAuthServer{
		FingerprintToSid: map[[32]byte]server.ServerId{clientFingerprint: server.ServerId(5)},
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverTLSConfig := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAnyClientCert,
	}
	clientTLSConfig := &tls.Config{
		Certificates:       []tls.Certificate{clientCert},
		InsecureSkipVerify: true,
	}

	serverDone := make(chan *tls.Conn, 1)
	go func() {
		sc := tls.Server(serverConn, serverTLSConfig)
		_ = sc.Handshake()
		serverDone <- sc
	}()
	cc := tls.Client(clientConn, clientTLSConfig)
	require.NoError(t, cc.Handshake())
	defer cc.Close()

	sc := <-serverDone
	defer sc.Close()

	sid, err := auth.Authenticate(sc)
	require.NoError(t, err)
	assert.Equal(t, server.ServerId(5), sid)
}

func TestStaticQuorumAuthServerRejectsUnknownFingerprint(t *testing.T) {
	serverCert := selfSignedCert(t)
	clientCert := selfSignedCert(t)

	auth := &StaticQuorumAuthServer{FingerprintToSid: map[[32]byte]server.ServerId{}}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverTLSConfig := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAnyClientCert,
	}
	clientTLSConfig := &tls.Config{
		Certificates:       []tls.Certificate{clientCert},
		InsecureSkipVerify: true,
	}

	serverDone := make(chan *tls.Conn, 1)
	go func() {
		sc := tls.Server(serverConn, serverTLSConfig)
		_ = sc.Handshake()
		serverDone <- sc
	}()
	cc := tls.Client(clientConn, clientTLSConfig)
	require.NoError(t, cc.Handshake())
	defer cc.Close()

	sc := <-serverDone
	defer sc.Close()

	_, err := auth.Authenticate(sc)
	assert.Error(t, err)
}
