package groupwave

import (
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// DeviceConfig is the on-disk device configuration: identity override,
// crypto defaults, link/audio tuning, and the bridge listen address.
// Loaded from YAML, then overridable by command-line flags in
// cmd/groupwave.
type DeviceConfig struct {
	CustomDeviceID string `yaml:"custom_device_id"`

	LinkDevice string `yaml:"link_device"`
	LinkBaud   int    `yaml:"link_baud"`

	InputGainPercent int    `yaml:"input_gain_percent"`
	NoiseGate        bool   `yaml:"noise_gate"`
	AGC              bool   `yaml:"agc"`
	TalkMode         string `yaml:"talk_mode"` // "always", "ptt", "muted"

	JitterDepth int `yaml:"jitter_depth"`

	BridgeAddr string `yaml:"bridge_addr"`
	BridgeName string `yaml:"bridge_name"`

	NVSPath     string `yaml:"nvs_path"`
	SnapshotDir string `yaml:"snapshot_dir"`

	LogLevel string `yaml:"log_level"`

	// GPIOChip, if non-empty, enables the GPIO PTT/slide-switch HAL
	// (linux only; ignored elsewhere).
	GPIOChip      string `yaml:"gpio_chip"`
	GPIOPTTLine   int    `yaml:"gpio_ptt_line"`
	GPIOSlideALine int   `yaml:"gpio_slide_a_line"`
	GPIOSlideBLine int   `yaml:"gpio_slide_b_line"`

	// RigPort, if non-empty, enables hamlib CAT control (linux only;
	// ignored elsewhere) paired alongside the data Link.
	RigModelID int    `yaml:"rig_model_id"`
	RigPort    string `yaml:"rig_port"`
}

// DefaultDeviceConfig returns the configuration used when no file is
// present, mirroring sensible operational defaults (60ms jitter
// pre-roll, AGC+gate on, bridge on the conventional port).
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		LinkBaud:         9600,
		InputGainPercent: 100,
		NoiseGate:        true,
		AGC:              true,
		TalkMode:         "ptt",
		JitterDepth:      DefaultJitterDepth,
		BridgeAddr:       ":7654",
		NVSPath:          "groupwave_nvs.yaml",
		SnapshotDir:      "nvs_snapshots",
		LogLevel:         "info",
	}
}

// LoadDeviceConfig reads path (creating no file if absent — callers
// get defaults) and parses it as YAML.
func LoadDeviceConfig(path string) (DeviceConfig, error) {
	cfg := DefaultDeviceConfig()
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, wrapErr("config.load", ErrIO, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, wrapErr("config.load", ErrIO, err)
	}
	return cfg, nil
}

// CLIFlags are the pflag-bound overrides for cmd/groupwave; ApplyTo
// copies any flag whose value differs from its zero value onto cfg.
type CLIFlags struct {
	ConfigFile *string
	DeviceID   *string
	LinkDevice *string
	LinkBaud   *int
	BridgeAddr *string
	LogLevel   *string
	flagSet    *pflag.FlagSet
}

// RegisterFlags defines the daemon's command-line flags on fs,
// following the teacher's one-flag-per-pflag.XxxP convention.
func RegisterFlags(fs *pflag.FlagSet) *CLIFlags {
	return &CLIFlags{
		ConfigFile: fs.StringP("config-file", "c", "groupwave.yaml", "Device configuration file name."),
		DeviceID:   fs.StringP("device-id", "d", "", "Override the persisted 8-digit device id."),
		LinkDevice: fs.StringP("link-device", "D", "", "Serial device path for the radio link."),
		LinkBaud:   fs.IntP("link-baud", "b", 0, "Serial baud rate for the radio link. 0 leaves it alone."),
		BridgeAddr: fs.StringP("bridge-addr", "B", "", "Listen address for the companion TCP bridge."),
		LogLevel:   fs.StringP("log-level", "l", "", "Log level: debug, info, warn, error."),
		flagSet:    fs,
	}
}

// ApplyTo overlays any flag that differs from its zero value onto cfg.
func (f *CLIFlags) ApplyTo(cfg *DeviceConfig) {
	if f.DeviceID != nil && *f.DeviceID != "" {
		cfg.CustomDeviceID = *f.DeviceID
	}
	if f.LinkDevice != nil && *f.LinkDevice != "" {
		cfg.LinkDevice = *f.LinkDevice
	}
	if f.LinkBaud != nil && *f.LinkBaud != 0 {
		cfg.LinkBaud = *f.LinkBaud
	}
	if f.BridgeAddr != nil && *f.BridgeAddr != "" {
		cfg.BridgeAddr = *f.BridgeAddr
	}
	if f.LogLevel != nil && *f.LogLevel != "" {
		cfg.LogLevel = *f.LogLevel
	}
}
