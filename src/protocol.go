package groupwave

import (
	"encoding/binary"
	"time"

	"github.com/charmbracelet/log"
)

// Outbound is what the dispatcher hands to the Link: a fully built,
// possibly-fragmented, possibly-encrypted set of wire frames.
type Outbound struct {
	Channel Channel
	Frames  [][]byte
}

// Inbound is a successfully decoded, decrypted application message
// ready for routing to a slot.
type Inbound struct {
	Header  Header
	Payload []byte
}

// SequenceAllocator hands out per-channel monotonic sequence numbers.
// Voice sequences double as the audio frame sequence so the ring's
// gap/jitter logic stays coherent with the wire sequence.
type SequenceAllocator struct {
	control uint32
	voice   uint32
}

func (s *SequenceAllocator) Next(ch Channel) uint16 {
	switch ch {
	case ChannelVoice:
		s.voice++
		return uint16(s.voice - 1)
	default:
		s.control++
		return uint16(s.control - 1)
	}
}

// Dispatcher recognizes message kinds, routes to slot state machines,
// and generates auto-replies (pong, discovery response).
type Dispatcher struct {
	log   *log.Logger
	self  DeviceId
	slots *SlotManager
	seq   SequenceAllocator
	stats *DispatchStats

	// outbound is how the dispatcher hands frames back to the link.
	send func(Channel, []byte)
}

// DispatchStats counts protocol-level errors and events; per the
// error design, Transport/Frame errors are counted and dropped
// silently rather than surfaced.
type DispatchStats struct {
	Dropped        uint64
	AuthFailures   uint64
	Pongs          uint64
	WrongTarget    uint64
	SealFailures   uint64
}

func NewDispatcher(logger *log.Logger, self DeviceId, slots *SlotManager, send func(Channel, []byte)) *Dispatcher {
	return &Dispatcher{
		log:   subsystemLogger(logger, "protocol"),
		self:  self,
		slots: slots,
		stats: &DispatchStats{},
		send:  send,
	}
}

// Self returns the device id the dispatcher builds outbound frames
// under.
func (d *Dispatcher) Self() DeviceId { return d.self }

// Log exposes the dispatcher's subsystem logger to callers (the
// per-slot cooperative task) that need to report a crypto failure
// without duplicating a logger of their own.
func (d *Dispatcher) Log() *log.Logger { return d.log }

// HandleInbound routes a decoded message per spec §4.6: a call message
// targets the device whose id matches target_id AND the local device;
// a frequency message targets the slot whose configured frequency id
// matches. Unmatched unicast control is dropped silently.
func (d *Dispatcher) HandleInbound(msg Inbound) {
	switch {
	case msg.Header.MsgType == MsgPing:
		d.replyPong(msg.Header)
		return
	case msg.Header.MsgType == MsgPong:
		d.stats.Pongs++
		return
	case isCallMessage(msg.Header.MsgType):
		d.routeCall(msg)
		return
	case isFrequencyMessage(msg.Header.MsgType):
		d.routeFrequency(msg)
		return
	case isVoiceMessage(msg.Header.MsgType):
		d.routeVoice(msg)
		return
	case isStatusMessage(msg.Header.MsgType):
		d.routeStatus(msg)
		return
	case isSecurityMessage(msg.Header.MsgType):
		d.routeSecurity(msg)
		return
	case msg.Header.MsgType == MsgDiscoveryRequest:
		d.replyDiscovery(msg.Header)
		return
	default:
		d.stats.Dropped++
		d.log.Debug("unhandled message", "msg_type", msg.Header.MsgType)
	}
}

func isCallMessage(t MsgType) bool      { return t>>4 == 0x1 }
func isFrequencyMessage(t MsgType) bool { return t>>4 == 0x2 }
func isVoiceMessage(t MsgType) bool     { return t>>4 == 0x3 }
func isStatusMessage(t MsgType) bool    { return t>>4 == 0x5 }
func isSecurityMessage(t MsgType) bool  { return t>>4 == 0x6 }

// CallPayload is the fixed layout carried by 0x1x messages: an 8-digit
// ASCII target id followed by message-specific bytes.
type CallPayload struct {
	TargetID DeviceId
	Rest     []byte
}

func ParseCallPayload(b []byte) (CallPayload, bool) {
	if len(b) < 8 {
		return CallPayload{}, false
	}
	var cp CallPayload
	copy(cp.TargetID[:], b[:8])
	cp.Rest = b[8:]
	return cp, true
}

func (d *Dispatcher) routeCall(msg Inbound) {
	cp, ok := ParseCallPayload(msg.Payload)
	if !ok {
		d.stats.Dropped++
		return
	}
	if cp.TargetID != d.self {
		// Spec §4.6 / §9 open question: the dispatcher never forwards
		// or rebroadcasts a call addressed to another device.
		d.stats.WrongTarget++
		return
	}
	slot := d.slots.FindByDevice(msg.Header.SrcID)
	if slot == nil && msg.Header.MsgType == MsgCallRequest {
		slot = d.slots.AllocateIncoming(ConnKindDevice, msg.Header.SrcID)
		if slot != nil {
			slot.beginConnecting(time.Now().Add(callResponseTimeout))
		}
	}
	if slot == nil {
		d.stats.Dropped++
		return
	}
	slot.HandleControl(msg.Header.MsgType, cp.Rest)
}

// FrequencyPayload is the fixed layout carried by 0x2x messages: an
// 8-digit ASCII frequency id followed by message-specific bytes.
type FrequencyPayload struct {
	FreqID FrequencyId
	Rest   []byte
}

func ParseFrequencyPayload(b []byte) (FrequencyPayload, bool) {
	if len(b) < 8 {
		return FrequencyPayload{}, false
	}
	var fp FrequencyPayload
	copy(fp.FreqID[:], b[:8])
	fp.Rest = b[8:]
	return fp, true
}

func (d *Dispatcher) routeFrequency(msg Inbound) {
	fp, ok := ParseFrequencyPayload(msg.Payload)
	if !ok {
		d.stats.Dropped++
		return
	}
	slot := d.slots.FindByFrequency(fp.FreqID)
	if slot == nil && msg.Header.MsgType == MsgFreqJoinRequest {
		// A join request is only routed to a frequency this device
		// already has configured in a slot (in any state); if we don't
		// have that frequency configured, there's nothing to route to.
		d.stats.Dropped++
		return
	}
	if slot == nil {
		d.stats.Dropped++
		return
	}

	if msg.Header.MsgType == MsgFreqJoinRequest {
		switch slot.handleJoinRequest(msg.Header.SrcID, fp.Rest) {
		case JoinWrongPassword:
			d.send(ChannelControl, d.buildStatusError(ErrWrongPassword, fp.FreqID, msg.Header.Sequence))
		case JoinFull:
			d.send(ChannelControl, d.buildStatusError(ErrFrequencyFull, fp.FreqID, msg.Header.Sequence))
		}
		return
	}

	slot.HandleFrequencyControl(msg.Header.MsgType, msg.Header.SrcID, fp.Rest)
}

func (d *Dispatcher) routeVoice(msg Inbound) {
	// Voice frames for a device slot are keyed by sender id; for a
	// frequency slot, by the frequency id carried in the payload. An
	// encrypted frame always carries that routing id as an 8-byte
	// clear prefix (decrypted payloads can't be inspected for it
	// before the slot that holds the key is found); a plaintext
	// frequency frame carries the same prefix, plaintext device
	// frames carry none.
	payload := msg.Payload
	prefixed := msg.Header.Flags.Has(FlagEncrypted)

	slot := d.slots.FindByDevice(msg.Header.SrcID)
	if slot == nil && len(payload) >= 8 {
		var fid FrequencyId
		copy(fid[:], payload[:8])
		slot = d.slots.FindByFrequency(fid)
		if slot != nil {
			prefixed = true
		}
	}
	if slot == nil {
		d.stats.Dropped++
		return
	}
	if prefixed && len(payload) >= 8 {
		payload = payload[8:]
	}
	slot.HandleVoice(msg.Header, payload)
}

// routeStatus handles 0x5x status messages; only MSG_STATUS_ERROR
// carries an actionable reply today (quality reports and generic
// updates are left for the operator surface to render).
func (d *Dispatcher) routeStatus(msg Inbound) {
	if msg.Header.MsgType != MsgStatusError || len(msg.Payload) < 11 {
		d.stats.Dropped++
		return
	}
	kind := ErrKind(msg.Payload[0])
	var ctxID DeviceId
	copy(ctxID[:], msg.Payload[1:9])

	slot := d.slots.FindByFrequency(ctxID)
	if slot == nil {
		slot = d.slots.FindByDevice(ctxID)
	}
	if slot == nil {
		return
	}
	switch kind {
	case ErrWrongPassword, ErrFrequencyFull, ErrAuthFail, ErrPermissionDenied, ErrFrequencyClosed:
		slot.markError(SlotErrorReject)
	}
}

func (d *Dispatcher) replyPong(h Header) {
	seq := d.seq.Next(ChannelControl)
	pkt := BuildPacket(Header{
		Channel:   ChannelControl,
		MsgType:   MsgPong,
		Sequence:  seq,
		SrcID:     d.self,
		Timestamp: uint32(time.Now().UnixMilli()),
	}, nil)
	d.send(ChannelControl, pkt)
}

func (d *Dispatcher) replyDiscovery(h Header) {
	seq := d.seq.Next(ChannelControl)
	payload := make([]byte, 8)
	copy(payload, d.self.Digits())
	pkt := BuildPacket(Header{
		Channel:   ChannelControl,
		MsgType:   MsgDiscoveryResponse,
		Sequence:  seq,
		SrcID:     d.self,
		Timestamp: uint32(time.Now().UnixMilli()),
	}, payload)
	d.send(ChannelControl, pkt)
}

// kexContextID is the routing id a slot's 0x6x/0x5x frames embed in
// the clear: the peer device id for a 1:1 call, the frequency id for
// a group session.
func (d *Dispatcher) kexContextID(slot *Slot) DeviceId {
	if slot.Config.Kind == ConnKindFrequency {
		return slot.Config.FreqID
	}
	return slot.Config.TargetID
}

func (d *Dispatcher) kexSaltFor(slot *Slot) []byte {
	if slot.Config.Kind == ConnKindFrequency {
		return slot.Config.FreqID.Digits()
	}
	return kexSalt(d.self, slot.Config.TargetID)
}

// routeSecurity dispatches a 0x6x key-exchange/confirm/rekey message
// to the slot it belongs to, per spec §2(d)/§4.3/§7.
func (d *Dispatcher) routeSecurity(msg Inbound) {
	switch msg.Header.MsgType {
	case MsgKeyExchange:
		d.handleKeyExchange(msg)
	case MsgKeyConfirm:
		d.handleKeyConfirm(msg)
	case MsgRekey:
		d.handleRekey(msg)
	default:
		d.stats.Dropped++
	}
}

func (d *Dispatcher) findSlotByContext(ctxID DeviceId, srcID DeviceId) *Slot {
	if slot := d.slots.FindByDevice(srcID); slot != nil {
		return slot
	}
	return d.slots.FindByFrequency(FrequencyId(ctxID))
}

func (d *Dispatcher) handleKeyExchange(msg Inbound) {
	if len(msg.Payload) < 40 {
		d.stats.Dropped++
		return
	}
	var ctxID DeviceId
	copy(ctxID[:], msg.Payload[:8])
	var peerPub [32]byte
	copy(peerPub[:], msg.Payload[8:40])

	slot := d.findSlotByContext(ctxID, msg.Header.SrcID)
	if slot == nil {
		d.stats.Dropped++
		return
	}

	if slot.Crypto.Ready() {
		// Already keyed (we completed first); just reconfirm so the
		// peer's retransmitted exchange doesn't stall its handshake.
		d.send(ChannelControl, d.buildKeyConfirm(slot))
		return
	}

	pub, err := slot.beginKeyExchange()
	if err != nil {
		d.log.Debug("key exchange failed", "err", err)
		return
	}
	localDir := directionOf(d.self, slot.Config.TargetID)
	if err := slot.completeKeyExchange(peerPub, d.kexSaltFor(slot), localDir, 1-localDir, time.Now()); err != nil {
		d.log.Debug("key exchange failed", "err", err)
		return
	}
	d.send(ChannelControl, d.BuildKeyExchange(slot, pub))
	d.send(ChannelControl, d.buildKeyConfirm(slot))
}

// handleKeyConfirm reacts to an arrived MSG_KEY_CONFIRM. Like every
// other encrypted message kind, it was already opened and
// authenticated by onRx under the matching slot's Crypto before
// HandleInbound ever saw it (a failed open never reaches here — onRx
// drops it and drives the consecutive-failure counter itself); a
// confirm that arrives at all is the proof the handshake succeeded.
func (d *Dispatcher) handleKeyConfirm(msg Inbound) {
	if len(msg.Payload) < 8 || !msg.Header.Flags.Has(FlagEncrypted) {
		d.stats.Dropped++
		return
	}
	var ctxID DeviceId
	copy(ctxID[:], msg.Payload[:8])

	slot := d.findSlotByContext(ctxID, msg.Header.SrcID)
	if slot == nil || !slot.Crypto.Ready() {
		d.stats.Dropped++
		return
	}
	slot.resetAuthFailures()
}

func (d *Dispatcher) handleRekey(msg Inbound) {
	if len(msg.Payload) < 8 {
		d.stats.Dropped++
		return
	}
	var ctxID DeviceId
	copy(ctxID[:], msg.Payload[:8])

	slot := d.findSlotByContext(ctxID, msg.Header.SrcID)
	if slot == nil {
		d.stats.Dropped++
		return
	}
	d.TriggerRekey(slot)
}

// TriggerRekey resets a slot's session and restarts key agreement,
// per the §4.3/§7 forced-rekey rule: packet-count or age threshold
// crossed, or three consecutive crypto failures on a connected slot.
func (d *Dispatcher) TriggerRekey(slot *Slot) {
	slot.Crypto.zero()
	slot.resetAuthFailures()

	if slot.Config.Kind == ConnKindFrequency && slot.Config.Password != "" {
		if err := slot.installPSK(slot.Config.Password, slot.Config.FreqID.Digits(), time.Now()); err != nil {
			d.log.Debug("rekey psk install failed", "err", err)
		}
		return
	}

	pub, err := slot.beginKeyExchange()
	if err != nil {
		d.log.Debug("rekey failed", "err", err)
		return
	}
	d.send(ChannelControl, d.buildRekeyNotice(slot))
	d.send(ChannelControl, d.BuildKeyExchange(slot, pub))
}

// BuildKeyExchange constructs a MSG_KEY_EXCHANGE frame carrying this
// slot's routing context id and our ephemeral X25519 public key.
func (d *Dispatcher) BuildKeyExchange(slot *Slot, pub [32]byte) []byte {
	ctx := d.kexContextID(slot)
	payload := make([]byte, 0, 40)
	payload = append(payload, ctx.Digits()...)
	payload = append(payload, pub[:]...)
	return BuildPacket(Header{
		Channel:   ChannelControl,
		MsgType:   MsgKeyExchange,
		Flags:     FlagAckRequired,
		Sequence:  d.seq.Next(ChannelControl),
		SrcID:     d.self,
		Timestamp: uint32(time.Now().UnixMilli()),
	}, payload)
}

// keyConfirmPlaintext is a fixed string sealed under the freshly
// agreed session key; the peer opening it successfully is the proof
// of a live, matching key.
var keyConfirmPlaintext = []byte("groupwave-key-confirm")

func (d *Dispatcher) buildKeyConfirm(slot *Slot) []byte {
	ctx := d.kexContextID(slot)
	h := Header{
		Channel:   ChannelControl,
		MsgType:   MsgKeyConfirm,
		Flags:     FlagAckRequired,
		SrcID:     d.self,
		Timestamp: uint32(time.Now().UnixMilli()),
	}
	pkt, err := sealFrame(slot, h, ctx.Digits(), keyConfirmPlaintext)
	if err != nil {
		d.stats.SealFailures++
		d.log.Debug("key confirm seal failed", "err", err)
		return nil
	}
	return pkt
}

func (d *Dispatcher) buildRekeyNotice(slot *Slot) []byte {
	ctx := d.kexContextID(slot)
	payload := make([]byte, 8)
	copy(payload, ctx.Digits())
	return BuildPacket(Header{
		Channel:   ChannelControl,
		MsgType:   MsgRekey,
		Sequence:  d.seq.Next(ChannelControl),
		SrcID:     d.self,
		Timestamp: uint32(time.Now().UnixMilli()),
	}, payload)
}

// buildStatusError constructs a MSG_STATUS_ERROR frame: error_code, the
// routing context id, and the sequence it's reporting on — sent only
// for kinds the peer can reasonably diagnose remotely (spec §5).
func (d *Dispatcher) buildStatusError(kind ErrKind, ctx DeviceId, relatedSeq uint16) []byte {
	payload := make([]byte, 11)
	payload[0] = byte(kind)
	copy(payload[1:9], ctx.Digits())
	binary.LittleEndian.PutUint16(payload[9:11], relatedSeq)
	return BuildPacket(Header{
		Channel:   ChannelControl,
		MsgType:   MsgStatusError,
		Sequence:  d.seq.Next(ChannelControl),
		SrcID:     d.self,
		Timestamp: uint32(time.Now().UnixMilli()),
	}, payload)
}

// sealFrame completes header h (stamping the wire sequence with the
// AEAD counter so sender and AAD agree) and seals plaintext under
// slot's session key, prefixing the result with ctxPrefix in the
// clear for routing. Relies on the single-sealer-per-slot invariant:
// only the slot's own task or the dispatcher handling its handshake
// ever seals for it.
func sealFrame(slot *Slot, h Header, ctxPrefix, plaintext []byte) ([]byte, error) {
	h.Flags |= FlagEncrypted
	h.Sequence = uint16(slot.Crypto.PeekNextCounter())
	aad := HeaderAAD(h, len(ctxPrefix)+len(plaintext)+tagSize)
	ciphertext, ctr, err := slot.Crypto.Seal(plaintext, aad)
	if err != nil {
		return nil, err
	}
	h.Sequence = uint16(ctr)
	payload := make([]byte, 0, len(ctxPrefix)+len(ciphertext))
	payload = append(payload, ctxPrefix...)
	payload = append(payload, ciphertext...)
	return BuildPacket(h, payload), nil
}

// BuildCallRequest constructs a MSG_CALL_REQUEST frame addressed to
// target.
func (d *Dispatcher) BuildCallRequest(target DeviceId) []byte {
	payload := make([]byte, 8)
	copy(payload, target.Digits())
	return BuildPacket(Header{
		Channel:   ChannelControl,
		MsgType:   MsgCallRequest,
		Flags:     FlagAckRequired,
		Sequence:  d.seq.Next(ChannelControl),
		SrcID:     d.self,
		Timestamp: uint32(time.Now().UnixMilli()),
	}, payload)
}

// BuildVoiceFrame constructs a MSG_VOICE_DATA frame carrying raw PCM
// bytes; sequence is supplied by the caller (the slot's outgoing
// audio-ring sequence) so wire and ring sequences stay coherent.
func (d *Dispatcher) BuildVoiceFrame(ch Channel, seq uint16, pcm []byte) []byte {
	return BuildPacket(Header{
		Channel:   ChannelVoice,
		MsgType:   MsgVoiceData,
		Sequence:  seq,
		SrcID:     d.self,
		Timestamp: uint32(time.Now().UnixMilli()),
	}, pcm)
}

func int16SliceToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func bytesToInt16Slice(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}
