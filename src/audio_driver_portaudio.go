//go:build linux || darwin

package groupwave

import (
	"sync"

	"github.com/gordonklaus/portaudio"
)

const (
	pcmSampleRate = 8000
	pcmChannels   = 1
)

// PortAudioDriver is the desktop/dev AudioDriver: one mono 8kHz input
// stream and one mono 8kHz output stream, each driven at FrameSamples
// granularity.
type PortAudioDriver struct {
	mu        sync.Mutex
	running   bool
	inStream  *portaudio.Stream
	outStream *portaudio.Stream
	stop      chan struct{}
	wg        sync.WaitGroup
}

func NewPortAudioDriver() *PortAudioDriver {
	return &PortAudioDriver{}
}

// Start opens the default input and output devices at pcmSampleRate
// and begins feeding capture/playback callbacks once per frame, each
// on its own goroutine (mirroring the capture/playback loop split a
// PortAudio-backed engine conventionally uses).
func (d *PortAudioDriver) Start(capture func([]int16), playback func() []int16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return wrapErr("audio_driver.start", ErrIO, err)
	}

	inBuf := make([]int16, FrameSamples)
	inStream, err := portaudio.OpenDefaultStream(pcmChannels, 0, pcmSampleRate, FrameSamples, inBuf)
	if err != nil {
		portaudio.Terminate()
		return wrapErr("audio_driver.start", ErrIO, err)
	}

	outBuf := make([]int16, FrameSamples)
	outStream, err := portaudio.OpenDefaultStream(0, pcmChannels, pcmSampleRate, FrameSamples, outBuf)
	if err != nil {
		inStream.Close()
		portaudio.Terminate()
		return wrapErr("audio_driver.start", ErrIO, err)
	}

	if err := inStream.Start(); err != nil {
		inStream.Close()
		outStream.Close()
		portaudio.Terminate()
		return wrapErr("audio_driver.start", ErrIO, err)
	}
	if err := outStream.Start(); err != nil {
		inStream.Stop()
		inStream.Close()
		outStream.Close()
		portaudio.Terminate()
		return wrapErr("audio_driver.start", ErrIO, err)
	}

	d.inStream = inStream
	d.outStream = outStream
	d.stop = make(chan struct{})
	d.running = true

	d.wg.Add(2)
	go func() { defer d.wg.Done(); d.captureLoop(inBuf, capture) }()
	go func() { defer d.wg.Done(); d.playbackLoop(outBuf, playback) }()
	return nil
}

func (d *PortAudioDriver) captureLoop(buf []int16, capture func([]int16)) {
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		if err := d.inStream.Read(); err != nil {
			return
		}
		capture(buf)
	}
}

func (d *PortAudioDriver) playbackLoop(buf []int16, playback func() []int16) {
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		frame := playback()
		n := copy(buf, frame)
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		if err := d.outStream.Write(); err != nil {
			return
		}
	}
}

// Stop halts both streams; stream.Stop() unblocks any in-flight
// Read/Write so the capture/playback goroutines can exit before the
// streams are closed.
func (d *PortAudioDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	close(d.stop)
	d.inStream.Stop()
	d.outStream.Stop()
	d.wg.Wait()
	d.inStream.Close()
	d.outStream.Close()
	portaudio.Terminate()
	d.running = false
	return nil
}
