package groupwave

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestIdentityResolveStableAcrossCalls(t *testing.T) {
	nvs := NewMemoryNVS()
	store := NewIdentityStore(nvs)
	src := IdentitySource{WiFiMAC: []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}}

	id1, err := store.Resolve(src)
	require.NoError(t, err)
	id2, err := store.Resolve(src)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "resolving twice against the same NVS must return the persisted id")
}

func TestIdentityResolvePersistsAcrossNewStore(t *testing.T) {
	nvs := NewMemoryNVS()
	src := IdentitySource{EFuseUID: []byte{0xAA, 0xBB, 0xCC, 0xDD}}

	id1, err := NewIdentityStore(nvs).Resolve(src)
	require.NoError(t, err)

	id2, err := NewIdentityStore(nvs).Resolve(src)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestIdentityOverrideWins(t *testing.T) {
	nvs := NewMemoryNVS()
	store := NewIdentityStore(nvs)
	_, err := store.Resolve(IdentitySource{WiFiMAC: []byte{1, 2, 3}})
	require.NoError(t, err)

	overridden, err := store.Override("99999999")
	require.NoError(t, err)
	assert.Equal(t, "99999999", overridden.String())

	resolved, err := store.Resolve(IdentitySource{})
	require.NoError(t, err)
	assert.Equal(t, overridden, resolved)
}

func TestIdentityOverrideRejectsBadFormat(t *testing.T) {
	store := NewIdentityStore(NewMemoryNVS())
	_, err := store.Override("not-digits")
	assert.Error(t, err)
}

func TestParseDeviceIdRejectsWrongLength(t *testing.T) {
	_, err := ParseDeviceId("1234")
	assert.Error(t, err)
}

func TestAuthTokenIssueVerifyRoundTrip(t *testing.T) {
	id := deviceIdFor(t, "12345678")
	secret := []byte("build-time-secret")
	now := time.Now()

	token := IssueAuthToken(id, secret, now)
	got, ok := VerifyAuthToken(token, secret, now.Add(time.Second), time.Minute)
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestAuthTokenRejectsExpired(t *testing.T) {
	id := deviceIdFor(t, "12345678")
	secret := []byte("build-time-secret")
	now := time.Now()

	token := IssueAuthToken(id, secret, now)
	_, ok := VerifyAuthToken(token, secret, now.Add(time.Hour), time.Minute)
	assert.False(t, ok)
}

func TestAuthTokenRejectsWrongSecret(t *testing.T) {
	id := deviceIdFor(t, "12345678")
	now := time.Now()

	token := IssueAuthToken(id, []byte("secret-a"), now)
	_, ok := VerifyAuthToken(token, []byte("secret-b"), now, time.Minute)
	assert.False(t, ok)
}

func TestNewFrequencyIdIsEightDigits(t *testing.T) {
	id, err := NewFrequencyId()
	require.NoError(t, err)
	_, err = ParseDeviceId(id.String())
	assert.NoError(t, err)
}

func TestDeriveDeviceIdDeterministicProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.SliceOfN(rapid.Byte(), 1, 32).Draw(t, "raw")
		id1 := deriveDeviceId(raw)
		id2 := deriveDeviceId(raw)
		assert.Equal(t, id1, id2)
		_, err := ParseDeviceId(id1.String())
		assert.NoError(t, err)
	})
}
