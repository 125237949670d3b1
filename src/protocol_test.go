package groupwave

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, self DeviceId) (*Dispatcher, *[][]byte) {
	t.Helper()
	var sent [][]byte
	mgr := NewSlotManager(nil, nil)
	d := NewDispatcher(nil, self, mgr, func(_ Channel, frame []byte) {
		sent = append(sent, frame)
	})
	return d, &sent
}

func TestDispatcherRepliesPongToPing(t *testing.T) {
	self := deviceIdFor(t, "11112222")
	d, sent := newTestDispatcher(t, self)

	peer := deviceIdFor(t, "33334444")
	d.HandleInbound(Inbound{Header: Header{MsgType: MsgPing, SrcID: peer}})

	require.Len(t, *sent, 1)
	gotH, _, err := ParsePacket((*sent)[0])
	require.NoError(t, err)
	assert.Equal(t, MsgPong, gotH.MsgType)
	assert.Equal(t, self, gotH.SrcID)
}

func TestDispatcherCountsPong(t *testing.T) {
	self := deviceIdFor(t, "11112222")
	d, _ := newTestDispatcher(t, self)
	d.HandleInbound(Inbound{Header: Header{MsgType: MsgPong}})
	assert.Equal(t, uint64(1), d.stats.Pongs)
}

func TestDispatcherCallRequestAllocatesSlotForUs(t *testing.T) {
	self := deviceIdFor(t, "11112222")
	peer := deviceIdFor(t, "33334444")
	d, _ := newTestDispatcher(t, self)

	payload := make([]byte, 8)
	copy(payload, self.Digits())
	d.HandleInbound(Inbound{Header: Header{MsgType: MsgCallRequest, SrcID: peer}, Payload: payload})

	slot := d.slots.FindByDevice(peer)
	require.NotNil(t, slot)
	assert.Equal(t, StateConnecting, slot.State)
}

func TestDispatcherCallRequestWrongTargetDropped(t *testing.T) {
	self := deviceIdFor(t, "11112222")
	peer := deviceIdFor(t, "33334444")
	other := deviceIdFor(t, "99990000")
	d, _ := newTestDispatcher(t, self)

	payload := make([]byte, 8)
	copy(payload, other.Digits())
	d.HandleInbound(Inbound{Header: Header{MsgType: MsgCallRequest, SrcID: peer}, Payload: payload})

	assert.Equal(t, uint64(1), d.stats.WrongTarget)
	assert.Nil(t, d.slots.FindByDevice(peer))
}

func TestDispatcherFrequencyJoinRoutesToConfiguredSlot(t *testing.T) {
	self := deviceIdFor(t, "11112222")
	peer := deviceIdFor(t, "33334444")
	freq := deviceIdFor(t, "55556666")
	d, _ := newTestDispatcher(t, self)

	d.slots.Slot(0).Configure(SlotConfig{Kind: ConnKindFrequency, FreqID: FrequencyId(freq), Password: ""})

	payload := make([]byte, 8)
	copy(payload, freq.Digits())
	d.HandleInbound(Inbound{Header: Header{MsgType: MsgFreqJoinRequest, SrcID: peer}, Payload: payload})

	assert.True(t, d.slots.Slot(0).AcceptPending(peer))
}

func TestDispatcherFrequencyJoinUnknownFrequencyDropped(t *testing.T) {
	self := deviceIdFor(t, "11112222")
	peer := deviceIdFor(t, "33334444")
	unknownFreq := deviceIdFor(t, "77778888")
	d, _ := newTestDispatcher(t, self)

	payload := make([]byte, 8)
	copy(payload, unknownFreq.Digits())
	d.HandleInbound(Inbound{Header: Header{MsgType: MsgFreqJoinRequest, SrcID: peer}, Payload: payload})

	assert.Equal(t, uint64(1), d.stats.Dropped)
}

func TestDispatcherVoiceRoutesToDeviceSlot(t *testing.T) {
	self := deviceIdFor(t, "11112222")
	peer := deviceIdFor(t, "33334444")
	d, _ := newTestDispatcher(t, self)

	d.slots.Slot(0).Configure(SlotConfig{Kind: ConnKindDevice, TargetID: peer})
	d.slots.Slot(0).markConnected()

	d.HandleInbound(Inbound{Header: Header{MsgType: MsgVoiceData, SrcID: peer, Sequence: 42}, Payload: []byte{1, 2, 3, 4}})
	assert.Equal(t, uint64(0), d.stats.Dropped)
}

func TestDispatcherVoiceUnroutableDropped(t *testing.T) {
	self := deviceIdFor(t, "11112222")
	peer := deviceIdFor(t, "33334444")
	d, _ := newTestDispatcher(t, self)

	d.HandleInbound(Inbound{Header: Header{MsgType: MsgVoiceData, SrcID: peer}, Payload: []byte{1, 2}})
	assert.Equal(t, uint64(1), d.stats.Dropped)
}

func TestDispatcherDiscoveryRequestReplies(t *testing.T) {
	self := deviceIdFor(t, "11112222")
	d, sent := newTestDispatcher(t, self)

	d.HandleInbound(Inbound{Header: Header{MsgType: MsgDiscoveryRequest}})
	require.Len(t, *sent, 1)
	gotH, gotP, err := ParsePacket((*sent)[0])
	require.NoError(t, err)
	assert.Equal(t, MsgDiscoveryResponse, gotH.MsgType)
	assert.Equal(t, self.Digits(), gotP[:8])
}

func TestBuildCallRequestEncodesTarget(t *testing.T) {
	self := deviceIdFor(t, "11112222")
	target := deviceIdFor(t, "99998888")
	d, _ := newTestDispatcher(t, self)

	frame := d.BuildCallRequest(target)
	h, p, err := ParsePacket(frame)
	require.NoError(t, err)
	assert.Equal(t, MsgCallRequest, h.MsgType)
	assert.True(t, h.Flags.Has(FlagAckRequired))
	cp, ok := ParseCallPayload(p)
	require.True(t, ok)
	assert.Equal(t, target, cp.TargetID)
}

func TestBuildVoiceFrameCarriesSuppliedSequence(t *testing.T) {
	self := deviceIdFor(t, "11112222")
	d, _ := newTestDispatcher(t, self)

	frame := d.BuildVoiceFrame(ChannelVoice, 777, []byte{9, 9, 9})
	h, p, err := ParsePacket(frame)
	require.NoError(t, err)
	assert.Equal(t, uint16(777), h.Sequence)
	assert.Equal(t, []byte{9, 9, 9}, p)
}

func TestSequenceAllocatorIndependentPerChannel(t *testing.T) {
	var s SequenceAllocator
	assert.Equal(t, uint16(0), s.Next(ChannelControl))
	assert.Equal(t, uint16(1), s.Next(ChannelControl))
	assert.Equal(t, uint16(0), s.Next(ChannelVoice))
	assert.Equal(t, uint16(2), s.Next(ChannelControl))
}

func TestInt16BytesRoundTrip(t *testing.T) {
	samples := []int16{-32768, -1, 0, 1, 32767}
	b := int16SliceToBytes(samples)
	got := bytesToInt16Slice(b)
	assert.Equal(t, samples, got)
}

func TestDispatcherFrequencyJoinWrongPasswordRepliesWithStatusError(t *testing.T) {
	self := deviceIdFor(t, "11112222")
	peer := deviceIdFor(t, "33334444")
	freq := deviceIdFor(t, "55556666")
	d, sent := newTestDispatcher(t, self)

	d.slots.Slot(0).Configure(SlotConfig{Kind: ConnKindFrequency, FreqID: FrequencyId(freq), Password: "1234"})

	payload := make([]byte, 8, 12)
	copy(payload, freq.Digits())
	payload = append(payload, []byte("0000")...)
	d.HandleInbound(Inbound{Header: Header{MsgType: MsgFreqJoinRequest, SrcID: peer}, Payload: payload})

	assert.False(t, d.slots.Slot(0).AcceptPending(peer))
	require.Len(t, *sent, 1)

	gotH, gotP, err := ParsePacket((*sent)[0])
	require.NoError(t, err)
	assert.Equal(t, MsgStatusError, gotH.MsgType)
	require.Len(t, gotP, 11)
	assert.Equal(t, ErrWrongPassword, ErrKind(gotP[0]))
	assert.Equal(t, freq.Digits(), gotP[1:9])
}

func TestDispatcherFrequencyJoinFullRepliesWithStatusError(t *testing.T) {
	self := deviceIdFor(t, "11112222")
	freq := deviceIdFor(t, "55556666")
	d, sent := newTestDispatcher(t, self)

	slot := d.slots.Slot(0)
	slot.Configure(SlotConfig{Kind: ConnKindFrequency, FreqID: FrequencyId(freq)})
	for i := 0; i < maxFrequencyMembers; i++ {
		slot.pending[deviceIdFor(t, fmt.Sprintf("2%07d", i))] = true
	}

	overflow := deviceIdFor(t, "99990000")
	payload := make([]byte, 8)
	copy(payload, freq.Digits())
	d.HandleInbound(Inbound{Header: Header{MsgType: MsgFreqJoinRequest, SrcID: overflow}, Payload: payload})

	require.Len(t, *sent, 1)
	gotH, gotP, err := ParsePacket((*sent)[0])
	require.NoError(t, err)
	assert.Equal(t, MsgStatusError, gotH.MsgType)
	assert.Equal(t, ErrFrequencyFull, ErrKind(gotP[0]))
}

func TestDispatcherRouteStatusMarksSlotError(t *testing.T) {
	self := deviceIdFor(t, "11112222")
	peer := deviceIdFor(t, "33334444")
	d, _ := newTestDispatcher(t, self)

	slot := d.slots.Slot(0)
	slot.Configure(SlotConfig{Kind: ConnKindDevice, TargetID: peer})
	slot.beginConnecting(timeNowPlusMinute())

	payload := make([]byte, 11)
	payload[0] = byte(ErrWrongPassword)
	copy(payload[1:9], peer.Digits())
	d.HandleInbound(Inbound{Header: Header{MsgType: MsgStatusError, SrcID: peer}, Payload: payload})

	assert.Equal(t, StateError, slot.State)
	assert.Equal(t, SlotErrorReject, slot.ErrorKind)
}

func TestDispatcherKeyExchangeHandshakeInstallsSessionKey(t *testing.T) {
	selfA := deviceIdFor(t, "11112222")
	selfB := deviceIdFor(t, "33334444")
	dA, sentA := newTestDispatcher(t, selfA)
	dB, sentB := newTestDispatcher(t, selfB)

	slotA := dA.slots.Slot(0)
	slotA.Configure(SlotConfig{Kind: ConnKindDevice, TargetID: selfB})
	slotA.markConnected()
	slotB := dB.slots.Slot(0)
	slotB.Configure(SlotConfig{Kind: ConnKindDevice, TargetID: selfA})
	slotB.markConnected()

	pubA, err := slotA.beginKeyExchange()
	require.NoError(t, err)
	kexFrame := dA.BuildKeyExchange(slotA, pubA)

	h, payload, err := ParsePacket(kexFrame)
	require.NoError(t, err)
	dB.HandleInbound(Inbound{Header: h, Payload: payload})

	require.True(t, slotB.Crypto.Ready())
	require.Len(t, *sentB, 2)

	for _, f := range *sentB {
		h, payload, err := ParsePacket(f)
		require.NoError(t, err)
		dA.HandleInbound(Inbound{Header: h, Payload: payload})
	}
	assert.True(t, slotA.Crypto.Ready())
	require.NotEmpty(t, *sentA)
}

func TestDispatcherTriggerRekeyResetsAndReexchanges(t *testing.T) {
	self := deviceIdFor(t, "11112222")
	peer := deviceIdFor(t, "33334444")
	d, sent := newTestDispatcher(t, self)

	slot := d.slots.Slot(0)
	slot.Configure(SlotConfig{Kind: ConnKindDevice, TargetID: peer})
	slot.markConnected()
	var key [sessionKeySize]byte
	copy(key[:], "0123456789abcdef")
	require.NoError(t, slot.Crypto.SetKey(key, 1, 0, 1, time.Now()))

	d.TriggerRekey(slot)

	assert.False(t, slot.Crypto.Ready(), "rekey must zero the old key until the new exchange completes")
	require.Len(t, *sent, 2, "rekey notice plus a fresh key-exchange offer")
	gotH, _, err := ParsePacket((*sent)[0])
	require.NoError(t, err)
	assert.Equal(t, MsgRekey, gotH.MsgType)
}

func TestDispatcherRekeyMessageTriggersReexchange(t *testing.T) {
	self := deviceIdFor(t, "11112222")
	peer := deviceIdFor(t, "33334444")
	d, sent := newTestDispatcher(t, self)

	slot := d.slots.Slot(0)
	slot.Configure(SlotConfig{Kind: ConnKindDevice, TargetID: peer})
	slot.markConnected()
	var key [sessionKeySize]byte
	copy(key[:], "0123456789abcdef")
	require.NoError(t, slot.Crypto.SetKey(key, 1, 0, 1, time.Now()))

	payload := make([]byte, 8)
	copy(payload, peer.Digits())
	d.HandleInbound(Inbound{Header: Header{MsgType: MsgRekey, SrcID: peer}, Payload: payload})

	assert.False(t, slot.Crypto.Ready())
	require.Len(t, *sent, 2)
}
