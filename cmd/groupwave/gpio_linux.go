//go:build linux

package main

import (
	"github.com/charmbracelet/log"

	groupwave "github.com/fieldops/groupwave/src"
)

// maybeOpenGPIOPTT wires the physical PTT button and slide switch to
// the audio engine's talk-mode state when the device config names a
// GPIO chip; it is a no-op returning nil otherwise, e.g. on a dev
// workstation with no PTT hardware attached.
func maybeOpenGPIOPTT(cfg groupwave.DeviceConfig, dev *groupwave.Device, logger *log.Logger) pttCloser {
	if cfg.GPIOChip == "" {
		return nil
	}
	g, err := groupwave.OpenGPIOPTT(cfg.GPIOChip, cfg.GPIOPTTLine, cfg.GPIOSlideALine, cfg.GPIOSlideBLine, dev.Audio())
	if err != nil {
		logger.Error("gpio ptt unavailable", "err", err)
		return nil
	}
	return g
}
