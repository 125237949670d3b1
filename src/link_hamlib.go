//go:build linux

package groupwave

import (
	"sync"

	hamlib "github.com/xylo04/goHamlib"
)

// HamlibRig wraps rig control (frequency, PTT, signal strength) for a
// radio whose data path is a separate SerialLink/Link; it is not
// itself a Link. The composition root pairs one HamlibRig with one
// Link when the concrete radio exposes CAT control alongside its data
// port.
type HamlibRig struct {
	mu  sync.Mutex
	rig *hamlib.Rig
}

// OpenHamlibRig opens rig control for modelID (a hamlib rig model
// constant) on the given CAT control port.
func OpenHamlibRig(modelID int, port string) (*HamlibRig, error) {
	rig := &hamlib.Rig{}
	if err := rig.Init(modelID); err != nil {
		return nil, wrapErr("link_hamlib.open", ErrLinkUnavailable, err)
	}
	rig.SetConf("rig_pathname", port)
	if err := rig.Open(); err != nil {
		return nil, wrapErr("link_hamlib.open", ErrLinkUnavailable, err)
	}
	return &HamlibRig{rig: rig}, nil
}

func (h *HamlibRig) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rig != nil {
		h.rig.Close()
	}
}

func (h *HamlibRig) SetFrequency(hz float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.rig.SetFreq(hamlib.VFOCurrent, hz); err != nil {
		return wrapErr("link_hamlib.set_frequency", ErrIO, err)
	}
	return nil
}

func (h *HamlibRig) Frequency() (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hz, err := h.rig.GetFreq(hamlib.VFOCurrent)
	if err != nil {
		return 0, wrapErr("link_hamlib.frequency", ErrIO, err)
	}
	return hz, nil
}

// SetPTT keys or unkeys the transmitter via CAT control, used by
// SerialLink-backed radios whose PTT is not wired to a GPIO line.
func (h *HamlibRig) SetPTT(on bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.rig.SetPTT(hamlib.VFOCurrent, on); err != nil {
		return wrapErr("link_hamlib.set_ptt", ErrIO, err)
	}
	return nil
}

// SignalStrength reports the rig's S-meter reading, usable as the
// RSSI figure a plain SerialLink cannot supply on its own.
func (h *HamlibRig) SignalStrength() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, err := h.rig.GetStrength(hamlib.VFOCurrent)
	if err != nil {
		return 0, wrapErr("link_hamlib.signal_strength", ErrIO, err)
	}
	return s, nil
}
