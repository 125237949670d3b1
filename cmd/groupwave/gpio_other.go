//go:build !linux

package main

import (
	"github.com/charmbracelet/log"

	groupwave "github.com/fieldops/groupwave/src"
)

func maybeOpenGPIOPTT(cfg groupwave.DeviceConfig, dev *groupwave.Device, logger *log.Logger) pttCloser {
	return nil
}
