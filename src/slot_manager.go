package groupwave

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// NumSlots is the hard cap: 15 positions on the dial, one cooperative
// task each.
const NumSlots = 15

// SlotManager owns the 15-slot table, the audio-focus invariant, and
// per-slot cooperative task lifecycle. The table is guarded by a
// mutex; voice dispatch takes it only briefly to locate the
// destination ring, which is itself lock-free.
type SlotManager struct {
	mu    sync.Mutex
	slots [NumSlots]*Slot
	focus int // index of the focused slot, or -1

	log    *log.Logger
	nvs    NVS
	liveTasks int
}

func NewSlotManager(logger *log.Logger, nvs NVS) *SlotManager {
	m := &SlotManager{focus: -1, log: subsystemLogger(logger, "slot_manager"), nvs: nvs}
	for i := 0; i < NumSlots; i++ {
		m.slots[i] = newSlot(i, logger)
		m.slots[i].onStateChange = m.persist
	}
	return m
}

// Slot returns the slot at index i (0-based, 0..14).
func (m *SlotManager) Slot(i int) *Slot {
	if i < 0 || i >= NumSlots {
		return nil
	}
	return m.slots[i]
}

// FindByDevice returns the slot configured for a 1:1 call with id, if
// any.
func (m *SlotManager) FindByDevice(id DeviceId) *Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		s.mu.Lock()
		match := s.Config.Kind == ConnKindDevice && s.Config.TargetID == id
		s.mu.Unlock()
		if match {
			return s
		}
	}
	return nil
}

// FindByFrequency returns the slot configured for freq, if any.
func (m *SlotManager) FindByFrequency(freq FrequencyId) *Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		s.mu.Lock()
		match := s.Config.Kind == ConnKindFrequency && s.Config.FreqID == freq
		s.mu.Unlock()
		if match {
			return s
		}
	}
	return nil
}

// AllocateIncoming finds the first Empty slot, configures it for an
// unsolicited incoming call/join, and returns it. Returns nil if every
// slot is occupied (ResourceExhausted at the caller).
func (m *SlotManager) AllocateIncoming(kind ConnKind, id DeviceId) *Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		s.mu.Lock()
		free := s.State == StateEmpty
		s.mu.Unlock()
		if free {
			cfg := SlotConfig{Kind: kind}
			if kind == ConnKindDevice {
				cfg.TargetID = id
			} else {
				cfg.FreqID = id
			}
			s.Configure(cfg)
			return s
		}
	}
	return nil
}

// SetFocus moves audio focus to slot index i, enforcing the invariant
// that at most one slot has focus and it must be Connected.
func (m *SlotManager) SetFocus(i int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= NumSlots {
		return newErr("slot_manager.set_focus", ErrNotFound)
	}
	target := m.slots[i]
	target.mu.Lock()
	connected := target.State == StateConnected
	target.mu.Unlock()
	if !connected {
		return newErr("slot_manager.set_focus", ErrWrongTarget)
	}

	if m.focus >= 0 && m.focus != i {
		prev := m.slots[m.focus]
		prev.mu.Lock()
		prev.AudioFocus = false
		prev.mu.Unlock()
	}
	target.mu.Lock()
	target.AudioFocus = true
	target.mu.Unlock()
	m.focus = i
	return nil
}

// Focused returns the currently focused slot, or nil.
func (m *SlotManager) Focused() *Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.focus < 0 {
		return nil
	}
	return m.slots[m.focus]
}

// StartConnect launches the cooperative task for a Saved slot,
// failing fast with ResourceExhausted if 15 tasks are already live.
func (m *SlotManager) StartConnect(ctx context.Context, i int, rt *slotRuntime) error {
	m.mu.Lock()
	if m.liveTasks >= NumSlots {
		m.mu.Unlock()
		return newErr("slot_manager.start_connect", ErrSlotTableFull)
	}
	s := m.slots[i]
	m.liveTasks++
	m.mu.Unlock()

	s.mu.Lock()
	if s.State != StateSaved {
		s.mu.Unlock()
		m.mu.Lock()
		m.liveTasks--
		m.mu.Unlock()
		return newErr("slot_manager.start_connect", ErrWrongTarget)
	}
	s.mu.Unlock()

	s.beginConnecting(time.Now().Add(callResponseTimeout))
	task := newSlotTask(s, rt, m)
	s.mu.Lock()
	s.task = task
	s.mu.Unlock()
	task.start(ctx)
	return nil
}

// taskFinished is called by a slotTask on teardown to release its
// live-task slot.
func (m *SlotManager) taskFinished() {
	m.mu.Lock()
	m.liveTasks--
	m.mu.Unlock()
}

// persist writes the slot's configuration to NVS on every mutation,
// keyed by dial position, under the "dial_slots" namespace. Runtime
// state (task handle, counters) is never persisted. It is called from
// Slot.notify with s.mu already held, so it reads s.Config directly.
func (m *SlotManager) persist(s *Slot) {
	if m.nvs == nil {
		return
	}
	cfg := s.Config

	enc := encodeSlotConfig(cfg)
	key := slotNVSKey(s.Index)
	if cfg.Kind == ConnKindNone {
		_ = m.nvs.Erase(nvsNamespaceDialSlots, key)
		return
	}
	if err := m.nvs.Put(nvsNamespaceDialSlots, key, enc); err != nil {
		m.log.Debug("slot persist failed", "slot", s.Index, "err", err)
		return
	}
	_ = m.nvs.Commit()
}

// LoadAll rehydrates all slots from NVS to Saved without
// auto-connecting, validating each stored layout.
func (m *SlotManager) LoadAll() {
	if m.nvs == nil {
		return
	}
	for i := 0; i < NumSlots; i++ {
		raw, err := m.nvs.Get(nvsNamespaceDialSlots, slotNVSKey(i))
		if err != nil {
			continue
		}
		cfg, ok := decodeSlotConfig(raw)
		if !ok {
			m.log.Debug("discarding invalid slot layout on load", "slot", i)
			continue
		}
		s := m.slots[i]
		s.mu.Lock()
		s.Config = cfg
		s.State = StateSaved
		s.mu.Unlock()
	}
}

func slotNVSKey(i int) string {
	const digits = "0123456789"
	return "slot_" + string(digits[i/10]) + string(digits[i%10])
}

const nvsNamespaceDialSlots = "dial_slots"
const callResponseTimeout = 30 * time.Second
