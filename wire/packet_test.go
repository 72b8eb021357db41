package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	server "zableader.io/server"
)

func TestPacketRoundTrip(t *testing.T) {
	p := &Packet{
		Type:    PROPOSAL,
		Zxid:    server.MakeZxid(3, 7),
		Payload: []byte("proposal-bytes"),
		Auth:    []byte("auth-token"),
	}

	var buf bytes.Buffer
	require.NoError(t, p.WriteTo(&buf))

	got, err := ReadFrom(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestPacketRoundTripEmptyPayloadAndAuth(t *testing.T) {
	p := &Packet{Type: PING, Zxid: server.MakeZxid(1, 1)}

	var buf bytes.Buffer
	require.NoError(t, p.WriteTo(&buf))

	got, err := ReadFrom(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, PING, got.Type)
	assert.Equal(t, p.Zxid, got.Zxid)
	assert.Empty(t, got.Payload)
	assert.Empty(t, got.Auth)
}

func TestPacketReadFromRejectsOversizedPayload(t *testing.T) {
	// [type u32][zxid u64][len(payload) u32] with the length field set
	// beyond maxFrameLen; ReadFrom must reject before attempting to
	// allocate or read a payload of that size.
	hdr := []byte{
		0, 0, 0, 1, // type
		0, 0, 0, 0, 0, 0, 0, 0, // zxid
		0xFF, 0xFF, 0xFF, 0xFF, // payload length
	}

	_, err := ReadFrom(bufio.NewReader(bytes.NewReader(hdr)))
	assert.Error(t, err)
}

func TestPacketTypeString(t *testing.T) {
	assert.Equal(t, "PROPOSAL", PROPOSAL.String())
	assert.Contains(t, PacketType(9999).String(), "9999")
}

func TestLearnerInfoRoundTrip(t *testing.T) {
	li := LearnerInfo{
		Sid:             server.ServerId(42),
		AcceptedEpoch:   5,
		Type:            server.Observer,
		ProtocolVersion: ProtocolVersion,
	}
	decoded, err := DecodeLearnerInfo(li.Encode())
	require.NoError(t, err)
	assert.Equal(t, li, decoded)
}

func TestDecodeLearnerInfoRejectsShortPayload(t *testing.T) {
	_, err := DecodeLearnerInfo([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestStateSummaryGreaterOrEqual(t *testing.T) {
	base := StateSummary{CurrentEpoch: 2, LastZxid: server.MakeZxid(2, 10)}

	assert.True(t, base.GreaterOrEqual(base), "equal summaries satisfy >=")
	assert.True(t, base.GreaterOrEqual(StateSummary{CurrentEpoch: 1, LastZxid: server.MakeZxid(1, 999)}),
		"a higher epoch wins regardless of zxid counter")
	assert.False(t, StateSummary{CurrentEpoch: 1, LastZxid: server.MakeZxid(1, 999)}.GreaterOrEqual(base))
	assert.True(t, StateSummary{CurrentEpoch: 2, LastZxid: server.MakeZxid(2, 11)}.GreaterOrEqual(base),
		"same epoch, higher zxid counter wins")
	assert.False(t, StateSummary{CurrentEpoch: 2, LastZxid: server.MakeZxid(2, 9)}.GreaterOrEqual(base),
		"same epoch, lower zxid counter loses")
}

func TestStateSummaryEncodeDecodeRoundTrip(t *testing.T) {
	s := StateSummary{CurrentEpoch: 7, LastZxid: server.MakeZxid(7, 123)}
	decoded, err := DecodeStateSummary(s.Encode())
	require.NoError(t, err)
	assert.Equal(t, s, decoded)
}

func TestDecodeStateSummaryRejectsShortPayload(t *testing.T) {
	_, err := DecodeStateSummary([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestLeaderInfoRoundTrip(t *testing.T) {
	payload := EncodeLeaderInfo(9)
	epoch, version, err := DecodeLeaderInfo(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), epoch)
	assert.Equal(t, ProtocolVersion, version)
}

func TestDecodeLeaderInfoRejectsShortPayload(t *testing.T) {
	_, _, err := DecodeLeaderInfo([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestReconfigCommitPayloadRoundTrip(t *testing.T) {
	r := ReconfigCommitPayload{DesignatedLeader: server.ServerId(17)}
	decoded, err := DecodeReconfigCommitPayload(r.Encode())
	require.NoError(t, err)
	assert.Equal(t, r, decoded)
}

func TestDecodeReconfigCommitPayloadRejectsShortPayload(t *testing.T) {
	_, err := DecodeReconfigCommitPayload([]byte{1, 2, 3})
	assert.Error(t, err)
}
