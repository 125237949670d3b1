package groupwave

// Slot configuration on-disk layout (private to this implementation;
// need not be compatible across firmware versions but is validated on
// load, per §6):
//
//	byte 0      magic (0xA5)
//	byte 1      kind (1=device, 2=frequency)
//	bytes 2-9   target/frequency id (8 ASCII digits)
//	byte 10     display name length (<=32)
//	bytes 11..  display name
//	byte N      password length (<=16)
//	bytes N+1.. password
const slotConfigMagic = 0xA5

func encodeSlotConfig(cfg SlotConfig) []byte {
	name := []byte(cfg.DisplayName)
	if len(name) > 32 {
		name = name[:32]
	}
	pass := []byte(cfg.Password)
	if len(pass) > 16 {
		pass = pass[:16]
	}

	buf := make([]byte, 0, 11+len(name)+1+len(pass))
	buf = append(buf, slotConfigMagic, byte(cfg.Kind))
	if cfg.Kind == ConnKindDevice {
		buf = append(buf, cfg.TargetID.Digits()...)
	} else {
		buf = append(buf, cfg.FreqID.Digits()...)
	}
	buf = append(buf, byte(len(name)))
	buf = append(buf, name...)
	buf = append(buf, byte(len(pass)))
	buf = append(buf, pass...)
	return buf
}

func decodeSlotConfig(b []byte) (SlotConfig, bool) {
	if len(b) < 11 || b[0] != slotConfigMagic {
		return SlotConfig{}, false
	}
	kind := ConnKind(b[1])
	if kind != ConnKindDevice && kind != ConnKindFrequency {
		return SlotConfig{}, false
	}
	var id DeviceId
	copy(id[:], b[2:10])
	if _, err := ParseDeviceId(id.String()); err != nil {
		return SlotConfig{}, false
	}

	off := 10
	if off >= len(b) {
		return SlotConfig{}, false
	}
	nameLen := int(b[off])
	off++
	if off+nameLen > len(b) {
		return SlotConfig{}, false
	}
	name := string(b[off : off+nameLen])
	off += nameLen

	if off >= len(b) {
		return SlotConfig{}, false
	}
	passLen := int(b[off])
	off++
	if off+passLen > len(b) {
		return SlotConfig{}, false
	}
	pass := string(b[off : off+passLen])

	cfg := SlotConfig{Kind: kind, DisplayName: name, Password: pass}
	if kind == ConnKindDevice {
		cfg.TargetID = id
	} else {
		cfg.FreqID = id
	}
	return cfg, true
}
