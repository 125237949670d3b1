package groupwave

import (
	"encoding/binary"
	"hash/crc32"
)

// Wire format constants, per the wire protocol section of the spec.
// Bit-exact for v2; v1 is decode-only.
const (
	magicV2 uint16 = 0x5754

	// The itemized wire field table sums to 28 bytes
	// (2+1+1+1+1+2+8+2+1+1+4+4); the spec's prose summary line says
	// "24 bytes" which does not match its own field table. The
	// itemized, bit-exact field table is treated as authoritative
	// here.
	headerSizeV2 = 28
	headerSizeV1 = 12

	maxPacketSize = 512

	protoVersionLegacy = 1
	protoVersionCurrent = 2
)

// Channel identifies which of the three logical channels a packet
// belongs to.
type Channel byte

const (
	ChannelControl  Channel = 0
	ChannelVoice    Channel = 1
	ChannelPriority Channel = 2
)

// MsgType is the wire message kind. The high nibble groups kinds into
// the taxonomy from the spec (discovery, call, frequency, voice,
// control, status, security).
type MsgType byte

const (
	MsgDiscoveryRequest  MsgType = 0x00
	MsgDiscoveryResponse MsgType = 0x01
	MsgDiscoveryHeartbeat MsgType = 0x02
	MsgDiscoveryGoodbye  MsgType = 0x03

	MsgCallRequest MsgType = 0x10
	MsgCallAccept  MsgType = 0x11
	MsgCallReject  MsgType = 0x12
	MsgCallEnd     MsgType = 0x13
	MsgCallHold    MsgType = 0x14
	MsgCallResume  MsgType = 0x15

	MsgFreqAnnounce    MsgType = 0x20
	MsgFreqJoinRequest MsgType = 0x21
	MsgFreqJoinAccept  MsgType = 0x22
	MsgFreqJoinReject  MsgType = 0x23
	MsgFreqLeave       MsgType = 0x24
	MsgFreqKick        MsgType = 0x25
	MsgFreqClose       MsgType = 0x26
	MsgFreqInvite      MsgType = 0x27
	MsgFreqUpdate      MsgType = 0x28
	MsgFreqMemberList  MsgType = 0x29

	MsgVoiceData    MsgType = 0x30
	MsgVoiceStart   MsgType = 0x31
	MsgVoiceEnd     MsgType = 0x32
	MsgVoiceSilence MsgType = 0x33
	MsgVoiceDTX     MsgType = 0x34

	MsgMute             MsgType = 0x40
	MsgUnmute           MsgType = 0x41
	MsgPing             MsgType = 0x42
	MsgPong             MsgType = 0x43
	MsgAck              MsgType = 0x44
	MsgNack             MsgType = 0x45
	MsgRetransmitReq    MsgType = 0x46

	MsgStatusUpdate       MsgType = 0x50
	MsgStatusQualityReport MsgType = 0x51
	MsgStatusError         MsgType = 0x52

	MsgKeyExchange MsgType = 0x60
	MsgKeyConfirm  MsgType = 0x61
	MsgRekey       MsgType = 0x62
)

// Flags is the packed bit field from the header.
type Flags byte

const (
	FlagEncrypted Flags = 1 << iota
	FlagCompressed
	FlagFragmented
	FlagLastFragment
	FlagAckRequired
	FlagRetransmit
	FlagPriority
	FlagBroadcast
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Header is the parsed fixed 28-byte v2 header. SrcID is the ASCII
// decimal DeviceId of the sender.
type Header struct {
	Version    byte
	Channel    Channel
	MsgType    MsgType
	Flags      Flags
	Sequence   uint16
	SrcID      DeviceId
	PayloadLen uint16
	FragID     byte
	FragCount  byte
	Timestamp  uint32
}

// BuildPacket lays out a v2 packet per the wire format, computing the
// CRC32 integrity field last. A payload longer than the per-packet
// budget is truncated to fit; callers that need to carry more than
// that should fragment (see Fragment).
func BuildPacket(h Header, payload []byte) []byte {
	maxPayload := maxPacketSize - headerSizeV2
	if len(payload) > maxPayload {
		payload = payload[:maxPayload]
	}

	buf := make([]byte, headerSizeV2+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], magicV2)
	buf[2] = protoVersionCurrent
	buf[3] = byte(h.Channel)
	buf[4] = byte(h.MsgType)
	buf[5] = byte(h.Flags)
	binary.LittleEndian.PutUint16(buf[6:8], h.Sequence)
	copy(buf[8:16], h.SrcID.Digits())
	binary.LittleEndian.PutUint16(buf[16:18], uint16(len(payload)))
	buf[18] = h.FragID
	buf[19] = h.FragCount
	binary.LittleEndian.PutUint32(buf[20:24], h.Timestamp)
	// integrity field (buf[24:28]) left zero until the end
	copy(buf[headerSizeV2:], payload)

	crc := crc32.ChecksumIEEE(buf)
	binary.LittleEndian.PutUint32(buf[24:28], crc)
	return buf
}

// HeaderAAD serializes just the 28-byte v2 header (integrity field
// zeroed) for use as AEAD associated data, binding ciphertext to the
// header fields per §4.3/§6 ("AAD = the serialized header").
func HeaderAAD(h Header, payloadLen int) []byte {
	buf := make([]byte, headerSizeV2)
	binary.LittleEndian.PutUint16(buf[0:2], magicV2)
	buf[2] = protoVersionCurrent
	buf[3] = byte(h.Channel)
	buf[4] = byte(h.MsgType)
	buf[5] = byte(h.Flags)
	binary.LittleEndian.PutUint16(buf[6:8], h.Sequence)
	copy(buf[8:16], h.SrcID.Digits())
	binary.LittleEndian.PutUint16(buf[16:18], uint16(payloadLen))
	buf[18] = h.FragID
	buf[19] = h.FragCount
	binary.LittleEndian.PutUint32(buf[20:24], h.Timestamp)
	return buf
}

// ParsePacket parses a v2 packet, rejecting malformed input per the
// frame error taxonomy. On success it returns the header and a
// borrowed view of the payload (no copy).
func ParsePacket(buf []byte) (Header, []byte, error) {
	if len(buf) < headerSizeV1 {
		return Header{}, nil, newErr("frame.parse", ErrShortBuffer)
	}

	magic := binary.LittleEndian.Uint16(buf[0:2])
	if magic != magicV2 {
		return Header{}, nil, newErr("frame.parse", ErrBadMagic)
	}

	version := buf[2]
	if version == protoVersionLegacy {
		// The outcome is always "unsupported version"; the caller
		// decides whether it's worth re-parsing the legacy header for
		// diagnostics (see device.go's onRx).
		return Header{}, nil, newErr("frame.parse", ErrUnsupportedVersion)
	}
	if version != protoVersionCurrent {
		return Header{}, nil, newErr("frame.parse", ErrUnsupportedVersion)
	}

	if len(buf) < headerSizeV2 {
		return Header{}, nil, newErr("frame.parse", ErrShortBuffer)
	}

	h := Header{
		Version:  version,
		Channel:  Channel(buf[3]),
		MsgType:  MsgType(buf[4]),
		Flags:    Flags(buf[5]),
		Sequence: binary.LittleEndian.Uint16(buf[6:8]),
	}
	copy(h.SrcID[:], buf[8:16])
	h.PayloadLen = binary.LittleEndian.Uint16(buf[16:18])
	h.FragID = buf[18]
	h.FragCount = buf[19]
	h.Timestamp = binary.LittleEndian.Uint32(buf[20:24])

	if int(h.PayloadLen) != len(buf)-headerSizeV2 {
		return Header{}, nil, newErr("frame.parse", ErrLengthMismatch)
	}

	gotCRC := binary.LittleEndian.Uint32(buf[24:28])
	check := make([]byte, len(buf))
	copy(check, buf)
	binary.LittleEndian.PutUint32(check[24:28], 0)
	wantCRC := crc32.ChecksumIEEE(check)
	if gotCRC != wantCRC {
		return Header{}, nil, newErr("frame.parse", ErrIntegrityMismatch)
	}

	return h, buf[headerSizeV2:], nil
}
