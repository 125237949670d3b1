package groupwave

import (
	"sync/atomic"
	"time"
)

const (
	// FrameSamples is 20ms @ 8kHz, 16-bit mono: one fixed PCM frame.
	FrameSamples = 160
	// RingCapacity is the number of frame slots in the ring; one slot
	// is kept empty, so at most RingCapacity-1 frames are buffered
	// between producer and consumer.
	RingCapacity = 32
	// DefaultJitterDepth is the minimum fill (in frames) the reader
	// waits for before it starts draining, absorbing network jitter.
	DefaultJitterDepth = 3
)

// AudioFrame is one fixed-size PCM payload tagged with a monotonic
// sequence and capture timestamp.
type AudioFrame struct {
	Sequence  uint16
	Timestamp time.Time
	Samples   [FrameSamples]int16
	Length    int // actual sample count, <= FrameSamples
}

// AudioRing is a lock-free SPSC ring of AudioFrames with a jitter
// pre-roll gate and gap detection. One producer (capture or decoder),
// one reader (playback or transmitter); mutation is via two atomic
// indices, no mutex.
type AudioRing struct {
	buf [RingCapacity]AudioFrame

	writeIdx atomic.Uint32
	readIdx  atomic.Uint32

	lastWritten  uint16
	haveWritten  bool
	lastReceived uint16
	haveReceived bool

	jitterDepth int
	armed       bool // true once fill has reached jitterDepth at least once

	written  atomic.Uint64
	read     atomic.Uint64
	dropped  atomic.Uint64
	underrun atomic.Uint64
}

// NewAudioRing constructs a ring with the given jitter depth (frames);
// 0 falls back to DefaultJitterDepth.
func NewAudioRing(jitterDepth int) *AudioRing {
	if jitterDepth <= 0 {
		jitterDepth = DefaultJitterDepth
	}
	return &AudioRing{jitterDepth: jitterDepth}
}

func (r *AudioRing) fill() int {
	w := int(r.writeIdx.Load())
	rd := int(r.readIdx.Load())
	d := w - rd
	if d < 0 {
		d += RingCapacity
	}
	return d
}

// Write enqueues a frame. The writer never overwrites unread data: if
// the ring is full, the frame is dropped and Dropped increments. The
// frame's sequence is set to last+1 (produced locally); the timestamp
// defaults to time.Now if zero.
func (r *AudioRing) Write(samples []int16, ts time.Time) {
	w := r.writeIdx.Load()
	next := (w + 1) % RingCapacity
	if int(next) == int(r.readIdx.Load()) {
		r.dropped.Add(1)
		return
	}

	var seq uint16
	if r.haveWritten {
		seq = r.lastWritten + 1
	}
	if ts.IsZero() {
		ts = time.Now()
	}

	slot := &r.buf[w]
	slot.Sequence = seq
	slot.Timestamp = ts
	n := copy(slot.Samples[:], samples)
	slot.Length = n

	r.lastWritten = seq
	r.haveWritten = true

	r.writeIdx.Store(next)
	r.written.Add(1)
}

// WriteReceived enqueues a frame arriving from the network with an
// explicit sequence, reporting how many frames (per the spec's gap
// formula) were missing since the last received sequence.
func (r *AudioRing) WriteReceived(seq uint16, samples []int16, ts time.Time) (gap uint16) {
	if r.haveReceived {
		gap = seq - r.lastReceived - 1 // wraps mod 2^16 by uint16 arithmetic
	}
	r.lastReceived = seq
	r.haveReceived = true

	w := r.writeIdx.Load()
	next := (w + 1) % RingCapacity
	if int(next) == int(r.readIdx.Load()) {
		r.dropped.Add(1)
		return gap
	}

	if ts.IsZero() {
		ts = time.Now()
	}
	slot := &r.buf[w]
	slot.Sequence = seq
	slot.Timestamp = ts
	n := copy(slot.Samples[:], samples)
	slot.Length = n

	r.writeIdx.Store(next)
	r.written.Add(1)
	return gap
}

// Ready reports whether the jitter gate allows reading: false until
// fill reaches jitterDepth, then true until the ring empties, at which
// point it disarms and waits for jitterDepth again.
func (r *AudioRing) Ready() bool {
	f := r.fill()
	if !r.armed {
		if f >= r.jitterDepth {
			r.armed = true
		}
		return r.armed
	}
	if f == 0 {
		r.armed = false
		return false
	}
	return true
}

// Read dequeues the next frame. On empty, Underrun increments and ok
// is false.
func (r *AudioRing) Read() (AudioFrame, bool) {
	rd := r.readIdx.Load()
	if rd == r.writeIdx.Load() {
		r.underrun.Add(1)
		return AudioFrame{}, false
	}
	frame := r.buf[rd]
	r.readIdx.Store((rd + 1) % RingCapacity)
	r.read.Add(1)
	return frame, true
}

// Stats returns the running counters. Dropped frames are not counted
// as written, so frames_written = frames_read + current_count holds
// at any instant.
func (r *AudioRing) Stats() (written, read, dropped, underrun uint64, current int) {
	return r.written.Load(), r.read.Load(), r.dropped.Load(), r.underrun.Load(), r.fill()
}
