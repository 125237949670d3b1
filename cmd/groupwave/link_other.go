//go:build !linux

package main

import groupwave "github.com/fieldops/groupwave/src"

// openLink only has a real serial backend on linux (link_serial.go is
// linux-only); everywhere else the daemon runs against the in-process
// loopback, which is enough for development.
func openLink(cfg groupwave.DeviceConfig) (groupwave.Link, error) {
	return groupwave.NewLoopbackLink(), nil
}
