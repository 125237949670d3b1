package groupwave

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testHeader() Header {
	var src DeviceId
	copy(src[:], "12345678")
	return Header{
		Channel:   ChannelControl,
		MsgType:   MsgPing,
		Sequence:  7,
		SrcID:     src,
		Timestamp: 123456,
	}
}

func TestBuildParsePacketRoundTrip(t *testing.T) {
	h := testHeader()
	payload := []byte("hello radio")
	pkt := BuildPacket(h, payload)

	got, gotPayload, err := ParsePacket(pkt)
	require.NoError(t, err)
	assert.Equal(t, h.Channel, got.Channel)
	assert.Equal(t, h.MsgType, got.MsgType)
	assert.Equal(t, h.Sequence, got.Sequence)
	assert.Equal(t, h.SrcID, got.SrcID)
	assert.Equal(t, payload, gotPayload)
}

func TestParsePacketRejectsBadMagic(t *testing.T) {
	pkt := BuildPacket(testHeader(), nil)
	pkt[0] ^= 0xFF
	_, _, err := ParsePacket(pkt)
	assert.Equal(t, ErrBadMagic, KindOf(err))
}

func TestParsePacketRejectsTornCRC(t *testing.T) {
	pkt := BuildPacket(testHeader(), []byte("payload"))
	pkt[len(pkt)-1] ^= 0xFF
	_, _, err := ParsePacket(pkt)
	assert.Equal(t, ErrIntegrityMismatch, KindOf(err))
}

func TestParsePacketRejectsShortBuffer(t *testing.T) {
	_, _, err := ParsePacket([]byte{0x01, 0x02})
	assert.Equal(t, ErrShortBuffer, KindOf(err))
}

func TestParsePacketRejectsLengthMismatch(t *testing.T) {
	pkt := BuildPacket(testHeader(), []byte("payload"))
	truncated := pkt[:len(pkt)-1]
	_, _, err := ParsePacket(truncated)
	// Truncating moves the trailing CRC bytes, so either mismatch is an
	// acceptable rejection as long as it isn't accepted as valid.
	assert.NotEqual(t, ErrNone, KindOf(err))
}

func TestHeaderAADExcludesIntegrityField(t *testing.T) {
	h := testHeader()
	pkt := BuildPacket(h, []byte("payload"))
	aad := HeaderAAD(h, len("payload"))

	require.Len(t, aad, headerSizeV2)
	assert.Equal(t, pkt[:24], aad[:24])
	for _, b := range aad[24:28] {
		assert.Zero(t, b)
	}
}

func TestBuildPacketRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := testHeader()
		h.Sequence = uint16(rapid.IntRange(0, 65535).Draw(t, "seq"))
		payload := rapid.SliceOfN(rapid.Byte(), 0, maxPacketSize-headerSizeV2).Draw(t, "payload")

		pkt := BuildPacket(h, payload)
		got, gotPayload, err := ParsePacket(pkt)
		require.NoError(t, err)
		assert.Equal(t, h.Sequence, got.Sequence)
		assert.Equal(t, payload, gotPayload)
	})
}
