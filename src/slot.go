package groupwave

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// ConnKind distinguishes a device (1:1 call) slot from a frequency
// (group) slot. Modeled as a tagged variant rather than a discriminant
// plus a union, per the design notes on polymorphic cases.
type ConnKind int

const (
	ConnKindNone ConnKind = iota
	ConnKindDevice
	ConnKindFrequency
)

// SlotState is the per-slot state machine: Empty -> Saved -> Connecting
// -> Connected, with Error and the clear-to-Empty transition from any
// state.
type SlotState int

const (
	StateEmpty SlotState = iota
	StateSaved
	StateConnecting
	StateConnected
	StateError
)

func (s SlotState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateSaved:
		return "saved"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrorKind records why a slot landed in StateError.
type SlotErrorKind int

const (
	SlotErrorNone SlotErrorKind = iota
	SlotErrorTimeout
	SlotErrorReject
	SlotErrorAuthFailure
)

// SlotConfig is the persisted portion of a slot: kind, target,
// display name, password. Saved to NVS on mutation; survives reboot.
type SlotConfig struct {
	Kind        ConnKind
	TargetID    DeviceId     // device id, when Kind == ConnKindDevice
	FreqID      FrequencyId  // frequency id, when Kind == ConnKindFrequency
	DisplayName string
	Password    string
}

// MemberInfo describes one member of a frequency, from the admin's
// point of view.
type MemberInfo struct {
	DeviceID DeviceId
	IsAdmin  bool
}

// Slot is one of the 15 dial positions. At most one slot across the
// manager has AudioFocus == true, and that slot must be Connected
// (enforced by SlotManager, not by the slot itself).
type Slot struct {
	mu sync.Mutex

	Index  int
	Config SlotConfig

	State       SlotState
	ErrorKind   SlotErrorKind
	PeerIsAdmin bool
	MemberCount int
	Mute        bool
	AudioFocus  bool

	LastRSSI int
	LastSNR  int
	BytesTx  uint64
	BytesRx  uint64

	Crypto *CryptoContext
	RxRing *AudioRing
	TxRing *AudioRing

	members  map[DeviceId]MemberInfo
	pending  map[DeviceId]bool // pending join requests, admin side
	task     *slotTask
	log      *log.Logger
	deadline time.Time // response-wait deadline while Connecting

	kex       *KeyPair // our half of an in-flight ECDH, nil once SetKey lands
	keyEpoch  uint32
	authFails int // consecutive crypto failures since the last successful open

	onStateChange func(*Slot)
}

// maxFrequencyMembers bounds a frequency's member list (spec §3:
// "a member list bounded by a compile-time maximum (e.g. 100)").
const maxFrequencyMembers = 100

// JoinOutcome is the result of processing a join request against a
// frequency slot's current protection and capacity.
type JoinOutcome int

const (
	JoinAccepted JoinOutcome = iota
	JoinWrongPassword
	JoinFull
	JoinNotAFrequency
)

func newSlot(index int, logger *log.Logger) *Slot {
	return &Slot{
		Index:   index,
		State:   StateEmpty,
		RxRing:  NewAudioRing(DefaultJitterDepth),
		TxRing:  NewAudioRing(DefaultJitterDepth),
		Crypto:  &CryptoContext{},
		members: map[DeviceId]MemberInfo{},
		pending: map[DeviceId]bool{},
		log:     subsystemLogger(logger, "slot"),
	}
}

// Configure moves Empty -> Saved (or updates an already-Saved slot),
// and lets a composition root mark where persistence should be
// written on the next mutation.
func (s *Slot) Configure(cfg SlotConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Config = cfg
	if s.State == StateEmpty {
		s.State = StateSaved
	}
	s.notify()
}

// Clear returns the slot to Empty from any state, tearing down crypto
// and membership.
func (s *Slot) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *Slot) clearLocked() {
	s.Config = SlotConfig{}
	s.State = StateEmpty
	s.ErrorKind = SlotErrorNone
	s.PeerIsAdmin = false
	s.MemberCount = 0
	s.Mute = false
	s.AudioFocus = false
	s.members = map[DeviceId]MemberInfo{}
	s.pending = map[DeviceId]bool{}
	s.kex = nil
	s.authFails = 0
	s.Crypto.zero()
	s.notify()
}

func (s *Slot) beginConnecting(deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateConnecting
	s.deadline = deadline
	s.notify()
}

func (s *Slot) markConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateConnected
	s.notify()
}

func (s *Slot) markError(kind SlotErrorKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateError
	s.ErrorKind = kind
	s.notify()
}

// backToSaved implements the Connected -> Saved transitions (local
// disconnect, peer disconnect, kick).
func (s *Slot) backToSaved() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateSaved
	s.AudioFocus = false
	s.kex = nil
	s.authFails = 0
	s.Crypto.zero()
	s.notify()
}

// Task returns the slot's live cooperative task, or nil if none is
// running.
func (s *Slot) Task() *slotTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task
}

func (s *Slot) notify() {
	if s.onStateChange != nil {
		s.onStateChange(s)
	}
}

// beginKeyExchange generates this slot's ephemeral ECDH keypair if one
// isn't already pending, returning the public half to send. Idempotent
// while a handshake is in flight, so both the initiating side and the
// side that echoes the peer's exchange can call it safely.
func (s *Slot) beginKeyExchange() ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kex != nil {
		return s.kex.Public, nil
	}
	kp, err := GenerateKeypair()
	if err != nil {
		return [32]byte{}, err
	}
	s.kex = &kp
	return kp.Public, nil
}

// completeKeyExchange finishes an in-flight ECDH against the peer's
// public key, derives the session key, and installs it on Crypto.
// localDir/peerDir are the complementary nonce-space bits the two
// sides use (see directionOf); the caller derives them since Slot
// doesn't know its own device id.
func (s *Slot) completeKeyExchange(peerPublic [32]byte, salt []byte, localDir, peerDir byte, now time.Time) error {
	s.mu.Lock()
	kex := s.kex
	s.mu.Unlock()
	if kex == nil {
		return newErr("slot.complete_key_exchange", ErrKeyNotAgreed)
	}

	secret, err := kex.ComputeSharedSecret(peerPublic)
	if err != nil {
		return err
	}
	key, _, err := DeriveSessionKey(secret, salt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.keyEpoch++
	epoch := s.keyEpoch
	s.kex = nil
	s.mu.Unlock()

	return s.Crypto.SetKey(key, epoch, localDir, peerDir, now)
}

// installPSK derives a session key straight from a shared password,
// skipping ECDH entirely — both sides already hold the password, so
// there's nothing to exchange. Every member of the frequency shares
// this key and uses nonce-space bit 0; two members can in principle
// pick the same counter value (see DESIGN.md).
func (s *Slot) installPSK(password string, salt []byte, now time.Time) error {
	key, _ := DeriveFromPassword([]byte(password), salt, defaultPBKDF2Iterations)
	s.mu.Lock()
	s.keyEpoch++
	epoch := s.keyEpoch
	s.kex = nil
	s.mu.Unlock()
	return s.Crypto.SetKey(key, epoch, 0, 0, now)
}

// recordAuthFailure counts a consecutive crypto failure (auth-fail or
// replay) and returns the new streak, so a caller can trigger the
// spec's three-consecutive-failures forced rekey.
func (s *Slot) recordAuthFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authFails++
	return s.authFails
}

// resetAuthFailures clears the consecutive-failure streak on any
// successful open.
func (s *Slot) resetAuthFailures() {
	s.mu.Lock()
	s.authFails = 0
	s.mu.Unlock()
}

// HandleControl processes a 0x1x call-control message already
// confirmed to target this device, routed to this slot by sender id.
func (s *Slot) HandleControl(t MsgType, rest []byte) {
	switch t {
	case MsgCallAccept:
		s.markConnected()
	case MsgCallReject:
		s.markError(SlotErrorReject)
	case MsgCallEnd:
		s.backToSaved()
	case MsgCallRequest:
		// Incoming request: slot was just allocated by the dispatcher
		// in StateConnecting-equivalent "awaiting operator answer";
		// left to the slot task / operator surface to accept/reject.
	case MsgCallHold, MsgCallResume:
		// No additional state machine transition; audio focus still
		// governs whether this slot is heard.
	}
}

// HandleFrequencyControl processes a 0x2x frequency-control message,
// other than MSG_FREQ_JOIN_REQUEST: that one can be rejected (wrong
// password, frequency full), which requires sending a reply, so the
// dispatcher calls handleJoinRequest directly and handles the reply
// itself.
func (s *Slot) HandleFrequencyControl(t MsgType, sender DeviceId, rest []byte) {
	switch t {
	case MsgFreqJoinAccept:
		s.mu.Lock()
		if len(rest) >= 2 {
			s.MemberCount = int(rest[0])<<8 | int(rest[1])
		}
		s.mu.Unlock()
		s.markConnected()
	case MsgFreqJoinReject:
		s.markError(SlotErrorReject)
	case MsgFreqLeave:
		s.mu.Lock()
		delete(s.members, sender)
		s.MemberCount = len(s.members)
		s.mu.Unlock()
	case MsgFreqKick:
		s.backToSaved()
	case MsgFreqClose:
		s.backToSaved()
	case MsgFreqMemberList:
		// Informational; left for the operator surface to render.
	}
}

// handleJoinRequest validates a join attempt against this frequency's
// protection and capacity, returning the outcome so the caller can
// reply with MSG_STATUS_ERROR on rejection.
func (s *Slot) handleJoinRequest(sender DeviceId, rest []byte) JoinOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Config.Kind != ConnKindFrequency {
		return JoinNotAFrequency
	}
	// Password-protected frequencies carry the candidate password as
	// the remainder of the payload; approval-protected ones go to
	// pending regardless.
	if s.Config.Password != "" {
		if !PasswordEqual(string(rest), s.Config.Password) {
			return JoinWrongPassword
		}
	}
	if len(s.members)+len(s.pending) >= maxFrequencyMembers {
		return JoinFull
	}
	s.pending[sender] = true
	return JoinAccepted
}

// AcceptPending converts a pending joiner into a member (admin-only
// operation; callers are expected to have checked PeerIsAdmin/locally
// being the frequency's creator before calling).
func (s *Slot) AcceptPending(id DeviceId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending[id] {
		return false
	}
	delete(s.pending, id)
	s.members[id] = MemberInfo{DeviceID: id}
	s.MemberCount = len(s.members)
	return true
}

// Kick removes a member (admin-only).
func (s *Slot) Kick(id DeviceId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[id]; !ok {
		return false
	}
	delete(s.members, id)
	s.MemberCount = len(s.members)
	return true
}

// HandleVoice enqueues a voice-channel frame into this slot's receive
// ring, reporting the gap via the ring's own bookkeeping.
func (s *Slot) HandleVoice(h Header, payload []byte) {
	if h.MsgType != MsgVoiceData {
		return
	}
	samples := bytesToInt16Slice(payload)
	s.RxRing.WriteReceived(h.Sequence, samples, time.UnixMilli(int64(h.Timestamp)))
	s.mu.Lock()
	s.BytesRx += uint64(len(payload))
	s.mu.Unlock()
}
