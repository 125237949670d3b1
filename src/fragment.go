package groupwave

import (
	"sync"
	"time"
)

const (
	// linkSendBudget is the Link interface's send(bytes <= 255)
	// contract (§4.1) — the actual physical-transmission unit size,
	// distinct from the 512-byte structural ceiling BuildPacket/
	// ParsePacket enforce on any single frame buffer (which also
	// covers transports without that per-send cap, e.g. the bridge's
	// TCP path or the in-process loopback Link used by tests).
	// Fragmentation targets this smaller budget since its output is
	// what actually crosses Link.Send.
	linkSendBudget        = 255
	maxPayloadPerFragment = linkSendBudget - headerSizeV2
	reassemblyWindow      = 2 * time.Second
)

// Fragment splits payload into N frames sharing one sequence and
// distinct frag_id/frag_count, the last marked with FlagLastFragment,
// per §4.2. A payload that already fits in one frame produces a
// single non-fragmented frame.
func Fragment(h Header, payload []byte) [][]byte {
	if len(payload) <= maxPayloadPerFragment {
		return [][]byte{BuildPacket(h, payload)}
	}

	count := (len(payload) + maxPayloadPerFragment - 1) / maxPayloadPerFragment
	frames := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * maxPayloadPerFragment
		end := start + maxPayloadPerFragment
		if end > len(payload) {
			end = len(payload)
		}
		fh := h
		fh.Flags |= FlagFragmented
		fh.FragID = byte(i)
		fh.FragCount = byte(count)
		if i == count-1 {
			fh.Flags |= FlagLastFragment
		}
		frames = append(frames, BuildPacket(fh, payload[start:end]))
	}
	return frames
}

type reassemblyKey struct {
	sender DeviceId
	seq    uint16
}

type reassemblyEntry struct {
	fragments map[byte][]byte
	total     byte
	started   time.Time
}

// Reassembler buffers fragments keyed by (sender, sequence), dropping
// incomplete sets older than reassemblyWindow.
type Reassembler struct {
	mu      sync.Mutex
	entries map[reassemblyKey]*reassemblyEntry
	dropped uint64
	now     func() time.Time
}

func NewReassembler() *Reassembler {
	return &Reassembler{entries: map[reassemblyKey]*reassemblyEntry{}, now: time.Now}
}

// Add ingests one fragment. When the set is complete it returns the
// reassembled payload and true, clearing the entry.
func (r *Reassembler) Add(h Header, payload []byte) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked()

	key := reassemblyKey{sender: h.SrcID, seq: h.Sequence}
	e, ok := r.entries[key]
	if !ok {
		e = &reassemblyEntry{fragments: map[byte][]byte{}, total: h.FragCount, started: r.now()}
		r.entries[key] = e
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	e.fragments[h.FragID] = cp

	if byte(len(e.fragments)) < e.total {
		return nil, false
	}

	out := make([]byte, 0, int(e.total)*maxPayloadPerFragment)
	for i := byte(0); i < e.total; i++ {
		frag, ok := e.fragments[i]
		if !ok {
			return nil, false
		}
		out = append(out, frag...)
	}
	delete(r.entries, key)
	return out, true
}

func (r *Reassembler) sweepLocked() {
	now := r.now()
	for key, e := range r.entries {
		if now.Sub(e.started) > reassemblyWindow {
			delete(r.entries, key)
			r.dropped++
		}
	}
}

func (r *Reassembler) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
