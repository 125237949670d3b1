//go:build !linux && !darwin

package groupwave

// DefaultAudioDriver is nil on platforms without a portaudio backend;
// Device.Run skips Start on a nil driver.
func DefaultAudioDriver() AudioDriver {
	return nil
}
