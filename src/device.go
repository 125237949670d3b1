package groupwave

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
)

// Device is the composition root: it owns every subsystem instance
// explicitly (no package-level globals), wiring Link, the frame
// codec, per-slot crypto, the slot manager, the audio engine, the
// protocol dispatcher, identity, the companion bridge, and the
// watchdog into one running unit.
type Device struct {
	log *log.Logger
	cfg DeviceConfig

	nvs      NVS
	identity DeviceId

	link        Link
	reassembler *Reassembler

	slots      *SlotManager
	dispatcher *Dispatcher
	audio      *AudioEngine
	bridge     *Bridge
	watchdog   *Watchdog

	rig RigControl

	authSecret []byte
}

// AttachRig pairs an optional CAT-control surface (e.g. a HamlibRig)
// with this device, surfaced via statusLine's S-meter reading.
func (d *Device) AttachRig(r RigControl) { d.rig = r }

// NewDevice wires one device instance. audioDriver may be nil (no
// local audio hardware — e.g. a headless relay), in which case the
// audio engine is constructed without a driver and Start() on it is
// skipped.
func NewDevice(cfg DeviceConfig, link Link, audioDriver AudioDriver, nvs NVS, src IdentitySource, authSecret []byte, logger *log.Logger) (*Device, error) {
	if logger == nil {
		logger = NewLogger(log.InfoLevel)
	}

	idStore := NewIdentityStore(nvs)
	var self DeviceId
	var err error
	if cfg.CustomDeviceID != "" {
		self, err = idStore.Override(cfg.CustomDeviceID)
	} else {
		self, err = idStore.Resolve(src)
	}
	if err != nil {
		return nil, err
	}

	slots := NewSlotManager(logger, nvs)
	slots.LoadAll()

	d := &Device{
		log:         subsystemLogger(logger, "device"),
		cfg:         cfg,
		nvs:         nvs,
		identity:    self,
		link:        link,
		reassembler: NewReassembler(),
		slots:       slots,
		audio:       NewAudioEngine(logger, audioDriver),
		authSecret:  authSecret,
	}
	d.dispatcher = NewDispatcher(logger, self, slots, d.sendFrame)
	d.watchdog = NewWatchdog(logger, slots)

	d.audio.SetInputGainPercent(cfg.InputGainPercent)
	d.audio.SetNoiseGate(cfg.NoiseGate, 0)
	d.audio.SetAGC(cfg.AGC)
	d.audio.SetTalkMode(parseTalkMode(cfg.TalkMode))

	d.bridge = NewBridge(logger, BridgeInfo{DeviceID: self.String(), AppVersion: "groupwave-dev"}, d.statusLine, d.reboot)

	return d, nil
}

func parseTalkMode(s string) TalkMode {
	switch s {
	case "always":
		return TalkAlways
	case "muted":
		return TalkMuted
	default:
		return TalkPTT
	}
}

// Identity returns the device's resolved 8-digit id.
func (d *Device) Identity() DeviceId { return d.identity }

// Slots returns the slot manager, for an operator-surface adapter to
// drive dial rotation, configure/connect/clear, etc.
func (d *Device) Slots() *SlotManager { return d.slots }

// Audio returns the audio engine, for an operator-surface adapter to
// wire volume/mute controls.
func (d *Device) Audio() *AudioEngine { return d.audio }

// Run starts the receive loop, watchdog, bridge, and (if present) the
// audio driver, blocking until ctx is cancelled.
func (d *Device) Run(ctx context.Context) error {
	d.link.StartContinuousRx(ctx, d.onRx)

	go d.watchdog.Run(ctx)

	if d.cfg.BridgeAddr != "" {
		go func() {
			if err := d.bridge.Serve(ctx, d.cfg.BridgeAddr); err != nil {
				d.log.Debug("bridge stopped", "err", err)
			}
		}()
	}

	if err := d.audio.Start(); err != nil {
		d.log.Debug("audio engine not started", "err", err)
	}

	<-ctx.Done()
	d.audio.Stop()
	return nil
}

// Connect starts the cooperative task for slot i, wiring it to this
// device's dispatcher, send path, and talk-mode gate.
func (d *Device) Connect(ctx context.Context, i int) error {
	rt := &slotRuntime{
		dispatcher: d.dispatcher,
		send:       d.sendFrame,
		talkMode:   d.audio.Transmitting,
	}
	return d.slots.StartConnect(ctx, i, rt)
}

// SetFocus moves audio focus to slot i and points the audio engine at
// its rings, satisfying the one-focused-slot invariant end to end.
func (d *Device) SetFocus(i int) error {
	if err := d.slots.SetFocus(i); err != nil {
		return err
	}
	s := d.slots.Slot(i)
	d.audio.SetFocus(s.TxRing, s.RxRing)
	return nil
}

func (d *Device) sendFrame(ch Channel, frame []byte) {
	if len(frame) <= linkSendBudget {
		if err := d.link.Send(frame); err != nil {
			d.log.Debug("link send failed", "channel", ch, "err", err)
		}
		return
	}
	// Re-derive the header to refragment a frame built oversized for a
	// single Link.Send call. A full 160-sample voice frame (320 PCM
	// bytes plus the 28-byte header) exceeds the 255-byte budget, so
	// such frames are split here.
	h, payload, err := ParsePacket(frame)
	if err != nil {
		d.log.Debug("refusing to send malformed oversized frame", "err", err)
		return
	}
	for _, fragment := range Fragment(h, payload) {
		if err := d.link.Send(fragment); err != nil {
			d.log.Debug("link send failed", "channel", ch, "err", err)
			return
		}
	}
}

func (d *Device) onRx(ev RxEvent) {
	h, payload, err := ParsePacket(ev.Data)
	if err != nil {
		if KindOf(err) == ErrUnsupportedVersion {
			if lh, ok := parseLegacyHeader(ev.Data); ok {
				d.log.Debug("dropping legacy v1 frame", "msg_type", lh.MsgType, "src", lh.SrcID, "crc_ok", lh.CRCOK)
				return
			}
		}
		d.log.Debug("dropping malformed frame", "err", err)
		return
	}

	if h.Flags.Has(FlagFragmented) {
		complete, ok := d.reassembler.Add(h, payload)
		if !ok {
			return
		}
		payload = complete
	}

	// Every encrypted message kind (voice, key-confirm) carries an
	// 8-byte routing id in the clear ahead of the ciphertext: the
	// header's SrcID alone doesn't disambiguate a frequency slot's
	// many members, so lookup falls back to that id.
	if h.Flags.Has(FlagEncrypted) {
		if len(payload) < 8 {
			d.log.Debug("dropping undersized encrypted frame")
			return
		}
		ctxPrefix := payload[:8]
		ciphertext := payload[8:]

		slot := d.slots.FindByDevice(h.SrcID)
		if slot == nil {
			var ctxID DeviceId
			copy(ctxID[:], ctxPrefix)
			slot = d.slots.FindByFrequency(ctxID)
		}
		if slot == nil {
			d.log.Debug("dropping encrypted frame for unknown sender", "src", h.SrcID.String())
			return
		}

		aad := HeaderAAD(h, len(payload))
		ctr := extendCounter(h.Sequence, slot.Crypto.replayHiSnapshot())
		plain, err := slot.Crypto.OpenWithCounter(ctr, ciphertext, aad)
		if err != nil {
			d.log.Debug("decrypt failed", "err", err, "kind", KindOf(err))
			if slot.recordAuthFailure() >= 3 {
				d.dispatcher.TriggerRekey(slot)
			}
			return
		}
		slot.resetAuthFailures()

		rebuilt := make([]byte, 0, len(ctxPrefix)+len(plain))
		rebuilt = append(rebuilt, ctxPrefix...)
		rebuilt = append(rebuilt, plain...)
		payload = rebuilt
	}

	d.dispatcher.HandleInbound(Inbound{Header: h, Payload: payload})
}

func (d *Device) statusLine() string {
	focused := d.slots.Focused()
	line := "no focused slot"
	if focused != nil {
		line = "focused_slot=" + focused.Config.TargetID.String() + " state=" + focused.State.String()
	}
	if d.rig != nil {
		if s, err := d.rig.SignalStrength(); err == nil {
			line += fmt.Sprintf(" smeter=%d", s)
		}
	}
	return line
}

func (d *Device) reboot() {
	d.log.Warn("reboot requested via bridge")
}

// IssueToken issues an auth token for this device's identity, timestamped now.
func (d *Device) IssueToken() AuthToken {
	return IssueAuthToken(d.identity, d.authSecret, time.Now())
}
