package groupwave

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DeviceId is eight ASCII decimal digits, stable for the device's
// lifetime. FrequencyId shares the same shape but is re-issuable.
type DeviceId [8]byte

var zeroDeviceId DeviceId

// Digits returns the ASCII byte form used on the wire.
func (d DeviceId) Digits() []byte {
	return d[:]
}

func (d DeviceId) String() string { return string(d[:]) }

func (d DeviceId) IsZero() bool { return d == zeroDeviceId }

// ParseDeviceId validates that s is exactly eight decimal digits.
func ParseDeviceId(s string) (DeviceId, error) {
	var d DeviceId
	if len(s) != 8 {
		return d, newErr("identity.parse_device_id", ErrNotFound)
	}
	for i := 0; i < 8; i++ {
		if s[i] < '0' || s[i] > '9' {
			return d, newErr("identity.parse_device_id", ErrNotFound)
		}
	}
	copy(d[:], s)
	return d, nil
}

const (
	deviceIdMin = 10_000_000
	deviceIdMax = 99_999_999
)

// deriveDeviceId hashes raw hardware-entropy bytes and maps the first
// four hash bytes into [10000000, 99999999].
func deriveDeviceId(raw []byte) DeviceId {
	sum := sha256.Sum256(raw)
	v := binary.BigEndian.Uint32(sum[0:4])
	id := deviceIdMin + (v % (deviceIdMax - deviceIdMin + 1))
	var d DeviceId
	copy(d[:], fmt.Sprintf("%08d", id))
	return d
}

// IdentitySource supplies the raw entropy candidates consulted in
// priority order: WiFi MAC, Bluetooth MAC, eFuse UID, flash unique id,
// then a random fallback. A real board wires hardware reads here; the
// zero value falls straight through to random bytes.
type IdentitySource struct {
	WiFiMAC     []byte
	BluetoothMAC []byte
	EFuseUID    []byte
	FlashUID    []byte
}

func (s IdentitySource) candidates() [][]byte {
	return [][]byte{s.WiFiMAC, s.BluetoothMAC, s.EFuseUID, s.FlashUID}
}

// IdentityStore resolves and persists the device's stable id across
// reboots via the NVS namespace "device_id".
type IdentityStore struct {
	nvs NVS
}

func NewIdentityStore(nvs NVS) *IdentityStore {
	return &IdentityStore{nvs: nvs}
}

const nvsNamespaceDeviceID = "device_id"
const nvsKeyDigits = "digits"
const nvsKeyRaw = "raw"

// Resolve returns the persisted id if NVS has one, otherwise derives a
// fresh one from the first non-empty source (falling back to random
// bytes) and persists both the raw entropy and the digit form.
func (s *IdentityStore) Resolve(src IdentitySource) (DeviceId, error) {
	if stored, err := s.nvs.Get(nvsNamespaceDeviceID, nvsKeyDigits); err == nil && len(stored) == 8 {
		id, parseErr := ParseDeviceId(string(stored))
		if parseErr == nil {
			return id, nil
		}
	}

	var raw []byte
	for _, c := range src.candidates() {
		if len(c) > 0 {
			raw = c
			break
		}
	}
	if raw == nil {
		raw = make([]byte, 16)
		if _, err := rand.Read(raw); err != nil {
			return DeviceId{}, wrapErr("identity.resolve", ErrIO, err)
		}
	}

	id := deriveDeviceId(raw)
	if err := s.persist(id, raw); err != nil {
		return DeviceId{}, err
	}
	return id, nil
}

// Override accepts a custom id only if it is exactly eight digits,
// and persists it over whatever was previously stored.
func (s *IdentityStore) Override(custom string) (DeviceId, error) {
	id, err := ParseDeviceId(custom)
	if err != nil {
		return DeviceId{}, err
	}
	if err := s.persist(id, nil); err != nil {
		return DeviceId{}, err
	}
	return id, nil
}

func (s *IdentityStore) persist(id DeviceId, raw []byte) error {
	if err := s.nvs.Put(nvsNamespaceDeviceID, nvsKeyDigits, id.Digits()); err != nil {
		return wrapErr("identity.persist", ErrIO, err)
	}
	if raw != nil {
		if err := s.nvs.Put(nvsNamespaceDeviceID, nvsKeyRaw, raw); err != nil {
			return wrapErr("identity.persist", ErrIO, err)
		}
	}
	return s.nvs.Commit()
}

// AuthToken is "<id>.<unix_timestamp>.<hmac16hex>", HMAC-SHA256 of
// (id || timestamp) under a shared secret key.
type AuthToken string

func IssueAuthToken(id DeviceId, secret []byte, now time.Time) AuthToken {
	ts := now.Unix()
	mac := authMAC(id, ts, secret)
	return AuthToken(fmt.Sprintf("%s.%d.%s", id.String(), ts, hex.EncodeToString(mac)))
}

// VerifyAuthToken checks the HMAC in constant time and that the token
// age is within maxAge.
func VerifyAuthToken(token AuthToken, secret []byte, now time.Time, maxAge time.Duration) (DeviceId, bool) {
	var id DeviceId
	parts := strings.SplitN(string(token), ".", 3)
	if len(parts) != 3 {
		return id, false
	}

	parsedID, err := ParseDeviceId(parts[0])
	if err != nil {
		return id, false
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return id, false
	}

	want := authMAC(parsedID, ts, secret)
	got, err := hex.DecodeString(parts[2])
	if err != nil || len(got) != len(want) {
		return id, false
	}
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return id, false
	}

	age := now.Sub(time.Unix(ts, 0))
	if age < 0 || age > maxAge {
		return id, false
	}
	return parsedID, true
}

func authMAC(id DeviceId, ts int64, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(id.Digits())
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ts))
	mac.Write(tsBuf[:])
	full := mac.Sum(nil)
	return full[:16]
}

// FrequencyId shares DeviceId's 8-digit shape but is allocated randomly
// by NewFrequencyId; no record of issued ids is kept.
type FrequencyId = DeviceId

// NewFrequencyId allocates a random 8-digit code from the same range as
// device ids ([10000000, 99999999]).
func NewFrequencyId() (FrequencyId, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return FrequencyId{}, wrapErr("identity.new_frequency_id", ErrIO, err)
	}
	v := binary.BigEndian.Uint32(buf[:])
	id := deviceIdMin + (v % (deviceIdMax - deviceIdMin + 1))
	var f FrequencyId
	copy(f[:], fmt.Sprintf("%08d", id))
	return f, nil
}
