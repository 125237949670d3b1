//go:build linux || darwin

package groupwave

// DefaultAudioDriver returns the host's native audio backend, a
// PortAudioDriver.
func DefaultAudioDriver() AudioDriver {
	return NewPortAudioDriver()
}
