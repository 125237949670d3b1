package groupwave

// RigControl is the CAT-control surface a paired radio may expose
// alongside its data-only Link: frequency set/get, PTT override, and
// an S-meter reading. HamlibRig implements this on linux; the
// composition root treats it as optional.
type RigControl interface {
	SetFrequency(hz float64) error
	Frequency() (float64, error)
	SetPTT(on bool) error
	SignalStrength() (int, error)
}
