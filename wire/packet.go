// Package wire implements the leader<->learner packet framing of spec.md
// §6. The teacher codec (github.com/glycerine/go-capnproto, driven by a
// capnpc-generated schema unavailable outside the original GoshawkDB build)
// is dropped in favor of a small stdlib encoding/binary frame: the payload
// itself is explicitly opaque per spec.md §1 ("wire codec details ...
// treated as external collaborators"), so there is no generated-schema
// value left to add on top of {type, zxid, payload, auth}. See DESIGN.md.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	server "zableader.io/server"
)

// PacketType is the `type:u32` field of spec.md §6.
type PacketType uint32

const (
	REQUEST            PacketType = 1
	PROPOSAL           PacketType = 2
	ACK                PacketType = 3
	COMMIT             PacketType = 4
	PING               PacketType = 5
	REVALIDATE         PacketType = 6
	SYNC               PacketType = 7
	INFORM             PacketType = 8
	COMMITANDACTIVATE  PacketType = 9
	NEWLEADER          PacketType = 10
	FOLLOWERINFO       PacketType = 11
	UPTODATE           PacketType = 12
	DIFF               PacketType = 13
	TRUNC              PacketType = 14
	SNAP               PacketType = 15
	OBSERVERINFO       PacketType = 16
	LEADERINFO         PacketType = 17
	ACKEPOCH           PacketType = 18
	INFORMANDACTIVATE  PacketType = 19
)

func (t PacketType) String() string {
	switch t {
	case REQUEST:
		return "REQUEST"
	case PROPOSAL:
		return "PROPOSAL"
	case ACK:
		return "ACK"
	case COMMIT:
		return "COMMIT"
	case PING:
		return "PING"
	case REVALIDATE:
		return "REVALIDATE"
	case SYNC:
		return "SYNC"
	case INFORM:
		return "INFORM"
	case COMMITANDACTIVATE:
		return "COMMITANDACTIVATE"
	case NEWLEADER:
		return "NEWLEADER"
	case FOLLOWERINFO:
		return "FOLLOWERINFO"
	case UPTODATE:
		return "UPTODATE"
	case DIFF:
		return "DIFF"
	case TRUNC:
		return "TRUNC"
	case SNAP:
		return "SNAP"
	case OBSERVERINFO:
		return "OBSERVERINFO"
	case LEADERINFO:
		return "LEADERINFO"
	case ACKEPOCH:
		return "ACKEPOCH"
	case INFORMANDACTIVATE:
		return "INFORMANDACTIVATE"
	default:
		return fmt.Sprintf("PacketType(%d)", uint32(t))
	}
}

// Packet is the wire unit exchanged between leader and learner: {type,
// zxid, payload, auth}, per spec.md §6.
type Packet struct {
	Type    PacketType
	Zxid    server.Zxid
	Payload []byte
	Auth    []byte
}

const maxFrameLen = 64 << 20 // 64MiB, generous upper bound for a SNAP frame

// WriteTo serializes p as [type u32][zxid u64][len(payload) u32][payload]
// [len(auth) u32][auth], all big-endian, matching the fixed-header-then-
// length-prefixed-blob framing idiom used for every wire message in the
// teacher's network package.
func (p *Packet) WriteTo(w io.Writer) error {
	var hdr [16]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(p.Type))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(p.Zxid))
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(p.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(p.Payload) > 0 {
		if _, err := w.Write(p.Payload); err != nil {
			return err
		}
	}
	var authLen [4]byte
	binary.BigEndian.PutUint32(authLen[:], uint32(len(p.Auth)))
	if _, err := w.Write(authLen[:]); err != nil {
		return err
	}
	if len(p.Auth) > 0 {
		if _, err := w.Write(p.Auth); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrom parses one Packet from r, the inverse of WriteTo.
func ReadFrom(r *bufio.Reader) (*Packet, error) {
	var hdr [16]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	p := &Packet{
		Type: PacketType(binary.BigEndian.Uint32(hdr[0:4])),
		Zxid: server.Zxid(binary.BigEndian.Uint64(hdr[4:12])),
	}
	payloadLen := binary.BigEndian.Uint32(hdr[12:16])
	if payloadLen > maxFrameLen {
		return nil, fmt.Errorf("wire: payload length %d exceeds maximum frame size", payloadLen)
	}
	if payloadLen > 0 {
		p.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, p.Payload); err != nil {
			return nil, err
		}
	}
	var authLenBuf [4]byte
	if _, err := io.ReadFull(r, authLenBuf[:]); err != nil {
		return nil, err
	}
	authLen := binary.BigEndian.Uint32(authLenBuf[:])
	if authLen > maxFrameLen {
		return nil, fmt.Errorf("wire: auth length %d exceeds maximum frame size", authLen)
	}
	if authLen > 0 {
		p.Auth = make([]byte, authLen)
		if _, err := io.ReadFull(r, p.Auth); err != nil {
			return nil, err
		}
	}
	return p, nil
}
