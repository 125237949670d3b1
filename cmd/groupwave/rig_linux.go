//go:build linux

package main

import (
	"github.com/charmbracelet/log"

	groupwave "github.com/fieldops/groupwave/src"
)

// maybeOpenRig pairs a hamlib-controlled rig with dev when the config
// names a CAT control port; a no-op otherwise.
func maybeOpenRig(cfg groupwave.DeviceConfig, dev *groupwave.Device, logger *log.Logger) pttCloser {
	if cfg.RigPort == "" {
		return nil
	}
	rig, err := groupwave.OpenHamlibRig(cfg.RigModelID, cfg.RigPort)
	if err != nil {
		logger.Error("rig control unavailable", "err", err)
		return nil
	}
	dev.AttachRig(rig)
	return rig
}
