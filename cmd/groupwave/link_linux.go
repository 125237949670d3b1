//go:build linux

package main

import groupwave "github.com/fieldops/groupwave/src"

func openLink(cfg groupwave.DeviceConfig) (groupwave.Link, error) {
	if cfg.LinkDevice == "" {
		return groupwave.NewLoopbackLink(), nil
	}
	return groupwave.OpenSerialLink(cfg.LinkDevice, cfg.LinkBaud)
}
