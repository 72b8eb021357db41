package wire

import (
	"encoding/binary"
	"fmt"

	server "zableader.io/server"
)

// ProtocolVersion is advertised in FOLLOWERINFO/OBSERVERINFO/LEADERINFO.
const ProtocolVersion uint32 = 2

// LearnerInfo is the decoded payload of FOLLOWERINFO/OBSERVERINFO: the
// peer's accepted epoch, its sid, its learner type, and its protocol
// version, per spec.md §4.5.
type LearnerInfo struct {
	Sid             server.ServerId
	AcceptedEpoch   uint32
	Type            server.LearnerType
	ProtocolVersion uint32
}

func (li LearnerInfo) Encode() []byte {
	buf := make([]byte, 8+4+1+4)
	binary.BigEndian.PutUint64(buf[0:8], uint64(li.Sid))
	binary.BigEndian.PutUint32(buf[8:12], li.AcceptedEpoch)
	buf[12] = byte(li.Type)
	binary.BigEndian.PutUint32(buf[13:17], li.ProtocolVersion)
	return buf
}

func DecodeLearnerInfo(b []byte) (LearnerInfo, error) {
	if len(b) < 17 {
		return LearnerInfo{}, fmt.Errorf("wire: short LearnerInfo payload (%d bytes)", len(b))
	}
	return LearnerInfo{
		Sid:             server.ServerId(binary.BigEndian.Uint64(b[0:8])),
		AcceptedEpoch:   binary.BigEndian.Uint32(b[8:12]),
		Type:            server.LearnerType(b[12]),
		ProtocolVersion: binary.BigEndian.Uint32(b[13:17]),
	}, nil
}

// StateSummary is the {current_epoch, last_zxid} pair exchanged in
// LEADERINFO/ACKEPOCH per spec.md §3.
type StateSummary struct {
	CurrentEpoch uint32
	LastZxid     server.Zxid
}

// GreaterOrEqual implements the ordering of spec.md §3: A >= B iff
// A.current_epoch > B.current_epoch, or equal epochs and A.last_zxid >=
// B.last_zxid.
func (a StateSummary) GreaterOrEqual(b StateSummary) bool {
	if a.CurrentEpoch != b.CurrentEpoch {
		return a.CurrentEpoch > b.CurrentEpoch
	}
	return a.LastZxid >= b.LastZxid
}

func (s StateSummary) Encode() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], s.CurrentEpoch)
	binary.BigEndian.PutUint64(buf[4:12], uint64(s.LastZxid))
	return buf
}

func DecodeStateSummary(b []byte) (StateSummary, error) {
	if len(b) < 12 {
		return StateSummary{}, fmt.Errorf("wire: short StateSummary payload (%d bytes)", len(b))
	}
	return StateSummary{
		CurrentEpoch: binary.BigEndian.Uint32(b[0:4]),
		LastZxid:     server.Zxid(binary.BigEndian.Uint64(b[4:12])),
	}, nil
}

// EncodeLeaderInfo builds the LEADERINFO payload: the advertised epoch and
// protocol version.
func EncodeLeaderInfo(epoch uint32) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], epoch)
	binary.BigEndian.PutUint32(buf[4:8], ProtocolVersion)
	return buf
}

func DecodeLeaderInfo(b []byte) (epoch uint32, protocolVersion uint32, err error) {
	if len(b) < 8 {
		return 0, 0, fmt.Errorf("wire: short LeaderInfo payload (%d bytes)", len(b))
	}
	return binary.BigEndian.Uint32(b[0:4]), binary.BigEndian.Uint32(b[4:8]), nil
}

// ReconfigCommitPayload is the extra data carried by COMMITANDACTIVATE /
// INFORMANDACTIVATE beyond zxid: the designated leader sid, per spec.md
// §4.8.
type ReconfigCommitPayload struct {
	DesignatedLeader server.ServerId
}

func (r ReconfigCommitPayload) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(r.DesignatedLeader))
	return buf
}

func DecodeReconfigCommitPayload(b []byte) (ReconfigCommitPayload, error) {
	if len(b) < 8 {
		return ReconfigCommitPayload{}, fmt.Errorf("wire: short ReconfigCommitPayload (%d bytes)", len(b))
	}
	return ReconfigCommitPayload{DesignatedLeader: server.ServerId(binary.BigEndian.Uint64(b))}, nil
}
