package groupwave

import (
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// TalkMode is the three-position slide switch inside the PTT button.
type TalkMode int

const (
	TalkAlways TalkMode = iota
	TalkPTT
	TalkMuted
)

// AudioDriver is the hardware boundary: raw PCM capture/playback. A
// concrete implementation (e.g. portaudio-backed) feeds Capture and
// drains Playback; it never touches slot state directly.
type AudioDriver interface {
	Start(capture func(samples []int16), playback func() []int16) error
	Stop() error
}

const (
	agcTargetRMS   = 8000
	agcGainMin     = 0.25
	agcGainMax     = 4.0
	agcAttackStep  = 0.35 // fraction of the way to target per frame, rising
	agcReleaseStep = 0.05 // fraction of the way to target per frame, falling
)

// AudioEngine implements capture->process->dispatch and
// pull->process->play per the spec's audio engine section: input-gain
// scaling, RMS metering, noise-gate, AGC, and PTT gating on the
// transmit side; focus-routed single-ring playback on the receive
// side.
type AudioEngine struct {
	mu sync.Mutex

	log *log.Logger

	inputGain   float64 // 0.0-2.0, operator-set percentage as a fraction
	noiseGate   bool
	gateThresh  float64
	agcEnabled  bool
	agcGain     float64
	lastPeakRMS float64

	talkMode     TalkMode
	pttHeld      bool
	slideMuted   bool // true only reflects MUTED position; kept for clarity at call sites

	focusedTx *AudioRing // transmit target: the focused slot's TxRing
	focusedRx *AudioRing // playback source: the focused slot's RxRing

	driver AudioDriver
}

func NewAudioEngine(logger *log.Logger, driver AudioDriver) *AudioEngine {
	return &AudioEngine{
		log:        subsystemLogger(logger, "audio_engine"),
		inputGain:  1.0,
		gateThresh: 150,
		agcGain:    1.0,
		driver:     driver,
	}
}

// SetFocus points the engine's live transmit/playback path at a slot's
// rings. Called by the composition root whenever SlotManager.SetFocus
// succeeds.
func (e *AudioEngine) SetFocus(tx, rx *AudioRing) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.focusedTx = tx
	e.focusedRx = rx
}

func (e *AudioEngine) SetInputGainPercent(pct int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputGain = float64(pct) / 100
}

func (e *AudioEngine) SetNoiseGate(on bool, threshold float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.noiseGate = on
	if threshold > 0 {
		e.gateThresh = threshold
	}
}

func (e *AudioEngine) SetAGC(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agcEnabled = on
}

func (e *AudioEngine) SetTalkMode(m TalkMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.talkMode = m
}

func (e *AudioEngine) SetPTTHeld(held bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pttHeld = held
}

// Transmitting combines the slide-switch state with the momentary
// button per §4.5: ALWAYS -> always, PTT -> only while held, MUTED ->
// never.
func (e *AudioEngine) Transmitting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.talkMode {
	case TalkAlways:
		return true
	case TalkPTT:
		return e.pttHeld
	default:
		return false
	}
}

// Start wires the driver's capture/playback callbacks to the engine's
// processing chain.
func (e *AudioEngine) Start() error {
	if e.driver == nil {
		return newErr("audio_engine.start", ErrNotMounted)
	}
	return e.driver.Start(e.onCapture, e.onPlaybackPull)
}

func (e *AudioEngine) Stop() error {
	if e.driver == nil {
		return nil
	}
	return e.driver.Stop()
}

// onCapture is the PCM input callback, invoked once per frame (20ms @
// 8kHz). It scales, meters, gates, AGCs, and — when transmitting is
// true — enqueues onto the focused slot's transmit ring. When
// transmitting is false the capture path is inhibited at this
// boundary, not at the link.
func (e *AudioEngine) onCapture(samples []int16) {
	scaled := make([]int16, len(samples))

	e.mu.Lock()
	gain := e.inputGain
	agcOn := e.agcEnabled
	gateOn := e.noiseGate
	thresh := e.gateThresh
	agcGain := e.agcGain
	tx := e.focusedTx
	transmitting := e.transmittingLocked()
	e.mu.Unlock()

	for i, s := range samples {
		scaled[i] = clampInt16(float64(s) * gain)
	}

	rms := computeRMS(scaled)

	if gateOn && rms < thresh {
		for i := range scaled {
			scaled[i] = 0
		}
	}

	if agcOn {
		agcGain = nextAGCGain(agcGain, rms)
		for i, s := range scaled {
			scaled[i] = clampInt16(float64(s) * agcGain)
		}
	}

	e.mu.Lock()
	e.lastPeakRMS = rms
	e.agcGain = agcGain
	e.mu.Unlock()

	if !transmitting || tx == nil {
		return
	}
	tx.Write(scaled, time.Now())
}

func (e *AudioEngine) transmittingLocked() bool {
	switch e.talkMode {
	case TalkAlways:
		return true
	case TalkPTT:
		return e.pttHeld
	default:
		return false
	}
}

// onPlaybackPull is called by the driver when it needs the next frame
// to render. It drains the focused slot's receive ring once the
// jitter gate is satisfied; otherwise it returns silence.
func (e *AudioEngine) onPlaybackPull() []int16 {
	e.mu.Lock()
	rx := e.focusedRx
	e.mu.Unlock()

	if rx == nil || !rx.Ready() {
		return make([]int16, FrameSamples)
	}
	frame, ok := rx.Read()
	if !ok {
		return make([]int16, FrameSamples)
	}
	out := make([]int16, FrameSamples)
	copy(out, frame.Samples[:frame.Length])
	return out
}

func computeRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// nextAGCGain moves current toward the gain that would put rms at
// agcTargetRMS, attacking fast when rms is above target (reduce gain
// quickly to avoid clipping) and releasing slowly when below.
func nextAGCGain(current, rms float64) float64 {
	if rms < 1 {
		return current
	}
	ideal := agcTargetRMS / rms
	if ideal > agcGainMax {
		ideal = agcGainMax
	}
	if ideal < agcGainMin {
		ideal = agcGainMin
	}

	step := agcReleaseStep
	if ideal < current {
		step = agcAttackStep
	}
	next := current + (ideal-current)*step
	if next > agcGainMax {
		next = agcGainMax
	}
	if next < agcGainMin {
		next = agcGainMin
	}
	return next
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
