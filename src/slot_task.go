package groupwave

import (
	"context"
	"sync/atomic"
	"time"
)

// slotRuntime bundles what a slot's cooperative task needs from the
// rest of the device without holding a direct reference to the whole
// composition root (breaking the cyclic-callback shape the design
// notes call out).
type slotRuntime struct {
	dispatcher *Dispatcher
	send       func(Channel, []byte)
	talkMode   func() bool // true while this slot should be transmitting
}

// slotTask is the per-slot cooperative task: issue the join/call
// request, await or time out the response, relay voice while
// Connected, and tear down cleanly (sending MSG_CALL_END /
// MSG_FREQ_LEAVE and zeroing slot-local crypto).
type slotTask struct {
	slot   *Slot
	rt     *slotRuntime
	mgr    *SlotManager
	cancel context.CancelFunc
	done   chan struct{}

	lastAlive atomic.Int64 // unix nanos, touched once per loop tick
}

func newSlotTask(s *Slot, rt *slotRuntime, mgr *SlotManager) *slotTask {
	t := &slotTask{slot: s, rt: rt, mgr: mgr, done: make(chan struct{})}
	t.touch()
	return t
}

func (t *slotTask) touch() {
	t.lastAlive.Store(time.Now().UnixNano())
}

// Stale reports whether the task hasn't ticked within maxAge, the
// watchdog's forced-teardown trigger.
func (t *slotTask) Stale(maxAge time.Duration) bool {
	last := time.Unix(0, t.lastAlive.Load())
	return time.Since(last) > maxAge
}

func (t *slotTask) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	go t.run(ctx)
}

// Stop cancels any pending wait before the slot is zeroed, per the
// cancellation rules.
func (t *slotTask) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	<-t.done
}

func (t *slotTask) run(ctx context.Context) {
	defer close(t.done)
	defer t.mgr.taskFinished()
	defer func() {
		t.slot.mu.Lock()
		if t.slot.task == t {
			t.slot.task = nil
		}
		t.slot.mu.Unlock()
	}()

	t.issueRequest()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.teardown()
			return
		case <-ticker.C:
			t.touch()
			t.slot.mu.Lock()
			state := t.slot.State
			deadline := t.slot.deadline
			t.slot.mu.Unlock()

			switch state {
			case StateConnecting:
				if !deadline.IsZero() && time.Now().After(deadline) {
					t.slot.markError(SlotErrorTimeout)
				}
			case StateConnected:
				t.maybeHandshake()
				t.maybeRekey()
				t.pumpVoice()
			case StateError, StateSaved, StateEmpty:
				t.teardown()
				return
			}
		}
	}
}

func (t *slotTask) issueRequest() {
	t.slot.mu.Lock()
	cfg := t.slot.Config
	t.slot.mu.Unlock()

	var pkt []byte
	switch cfg.Kind {
	case ConnKindDevice:
		pkt = t.rt.dispatcher.BuildCallRequest(cfg.TargetID)
	case ConnKindFrequency:
		payload := make([]byte, 8, 8+len(cfg.Password))
		copy(payload, cfg.FreqID.Digits())
		payload = append(payload, []byte(cfg.Password)...)
		pkt = BuildPacket(Header{
			Channel: ChannelControl,
			MsgType: MsgFreqJoinRequest,
			Flags:   FlagAckRequired,
		}, payload)
	default:
		return
	}
	t.rt.send(ChannelControl, pkt)
}

// maybeHandshake kicks off key agreement the first tick a slot is
// Connected but has no session key yet: PSK derivation for a
// password-protected frequency (both sides already hold the
// password, so there's nothing to exchange), ECDH otherwise.
func (t *slotTask) maybeHandshake() {
	t.slot.mu.Lock()
	ready := t.slot.Crypto.Ready()
	inFlight := t.slot.kex != nil
	cfg := t.slot.Config
	t.slot.mu.Unlock()

	if ready || inFlight {
		return
	}

	if cfg.Kind == ConnKindFrequency && cfg.Password != "" {
		if err := t.slot.installPSK(cfg.Password, cfg.FreqID.Digits(), time.Now()); err != nil {
			t.rt.dispatcher.Log().Debug("psk install failed", "err", err)
		}
		return
	}

	pub, err := t.slot.beginKeyExchange()
	if err != nil {
		t.rt.dispatcher.Log().Debug("key exchange init failed", "err", err)
		return
	}
	t.rt.send(ChannelControl, t.rt.dispatcher.BuildKeyExchange(t.slot, pub))
}

// maybeRekey forces a new session key once the packet-count or
// wall-clock age threshold is crossed (spec §4.3).
func (t *slotTask) maybeRekey() {
	if !t.slot.Crypto.Ready() {
		return
	}
	if !t.slot.Crypto.NeedsRefresh(time.Now(), defaultKeyPacketLimit, defaultKeyMaxAge) {
		return
	}
	t.rt.dispatcher.TriggerRekey(t.slot)
}

// pumpVoice produces outgoing frames from the engine's capture path
// (via talkMode) if this slot currently holds audio focus; incoming
// voice is already routed into RxRing by the dispatcher regardless of
// focus. Frames are sealed under the slot's session key once one has
// been agreed; before that (or for a never-encrypted legacy peer)
// they go out in the clear.
func (t *slotTask) pumpVoice() {
	t.slot.mu.Lock()
	focused := t.slot.AudioFocus
	cfg := t.slot.Config
	t.slot.mu.Unlock()

	if !focused || t.rt.talkMode == nil || !t.rt.talkMode() {
		return
	}

	frame, ok := t.slot.TxRing.Read()
	if !ok {
		return
	}

	seq := frame.Sequence
	pcm := int16SliceToBytes(frame.Samples[:frame.Length])

	ctx := cfg.TargetID
	if cfg.Kind == ConnKindFrequency {
		ctx = cfg.FreqID
	}

	var pkt []byte
	if t.slot.Crypto.Ready() {
		h := Header{
			Channel:   ChannelVoice,
			MsgType:   MsgVoiceData,
			SrcID:     t.rt.dispatcher.Self(),
			Timestamp: uint32(time.Now().UnixMilli()),
		}
		sealed, err := sealFrame(t.slot, h, ctx.Digits(), pcm)
		if err != nil {
			t.rt.dispatcher.Log().Debug("voice seal failed", "err", err)
			return
		}
		pkt = sealed
	} else if cfg.Kind == ConnKindFrequency {
		payload := make([]byte, 8, 8+len(pcm))
		copy(payload, cfg.FreqID.Digits())
		payload = append(payload, pcm...)
		pkt = t.rt.dispatcher.BuildVoiceFrame(ChannelVoice, seq, payload)
	} else {
		pkt = t.rt.dispatcher.BuildVoiceFrame(ChannelVoice, seq, pcm)
	}
	t.rt.send(ChannelVoice, pkt)

	t.slot.mu.Lock()
	t.slot.BytesTx += uint64(len(pcm))
	t.slot.mu.Unlock()
}

func (t *slotTask) teardown() {
	t.slot.mu.Lock()
	cfg := t.slot.Config
	wasConnected := t.slot.State == StateConnected
	t.slot.mu.Unlock()

	if wasConnected {
		var pkt []byte
		switch cfg.Kind {
		case ConnKindDevice:
			payload := make([]byte, 8)
			copy(payload, cfg.TargetID.Digits())
			pkt = BuildPacket(Header{Channel: ChannelControl, MsgType: MsgCallEnd}, payload)
		case ConnKindFrequency:
			payload := make([]byte, 8)
			copy(payload, cfg.FreqID.Digits())
			pkt = BuildPacket(Header{Channel: ChannelControl, MsgType: MsgFreqLeave}, payload)
		}
		if pkt != nil {
			t.rt.send(ChannelControl, pkt)
		}
	}

	t.slot.backToSaved()
}
