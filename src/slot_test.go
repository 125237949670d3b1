package groupwave

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deviceIdFor(t *testing.T, digits string) DeviceId {
	t.Helper()
	id, err := ParseDeviceId(digits)
	require.NoError(t, err)
	return id
}

func timeNowPlusMinute() time.Time { return time.Now().Add(time.Minute) }

func TestSlotStateMachineDeviceCall(t *testing.T) {
	s := newSlot(0, nil)
	assert.Equal(t, StateEmpty, s.State)

	s.Configure(SlotConfig{Kind: ConnKindDevice, TargetID: deviceIdFor(t, "11112222")})
	assert.Equal(t, StateSaved, s.State)

	s.beginConnecting(timeNowPlusMinute())
	assert.Equal(t, StateConnecting, s.State)

	s.HandleControl(MsgCallAccept, nil)
	assert.Equal(t, StateConnected, s.State)

	s.backToSaved()
	assert.Equal(t, StateSaved, s.State)
	assert.False(t, s.AudioFocus)
}

func TestSlotStateMachineRejectGoesToError(t *testing.T) {
	s := newSlot(0, nil)
	s.Configure(SlotConfig{Kind: ConnKindDevice, TargetID: deviceIdFor(t, "11112222")})
	s.beginConnecting(timeNowPlusMinute())
	s.HandleControl(MsgCallReject, nil)
	assert.Equal(t, StateError, s.State)
	assert.Equal(t, SlotErrorReject, s.ErrorKind)
}

func TestSlotClearFromAnyState(t *testing.T) {
	s := newSlot(0, nil)
	s.Configure(SlotConfig{Kind: ConnKindDevice, TargetID: deviceIdFor(t, "11112222")})
	s.beginConnecting(timeNowPlusMinute())
	s.markConnected()
	s.Clear()
	assert.Equal(t, StateEmpty, s.State)
	assert.Equal(t, ConnKindNone, s.Config.Kind)
}

func TestSlotFrequencyJoinWithPassword(t *testing.T) {
	s := newSlot(0, nil)
	s.Configure(SlotConfig{Kind: ConnKindFrequency, FreqID: deviceIdFor(t, "55556666"), Password: "1234"})

	sender := deviceIdFor(t, "77778888")
	assert.Equal(t, JoinAccepted, s.handleJoinRequest(sender, []byte("1234")))
	assert.True(t, s.AcceptPending(sender))
	assert.Equal(t, 1, s.MemberCount)

	wrongSender := deviceIdFor(t, "99990000")
	assert.Equal(t, JoinWrongPassword, s.handleJoinRequest(wrongSender, []byte("0000")))
	assert.False(t, s.AcceptPending(wrongSender), "wrong password must never reach pending")
}

func TestSlotFrequencyJoinRejectsWhenFull(t *testing.T) {
	s := newSlot(0, nil)
	s.Configure(SlotConfig{Kind: ConnKindFrequency, FreqID: deviceIdFor(t, "55556666")})

	for i := 0; i < maxFrequencyMembers; i++ {
		s.pending[deviceIdFor(t, fmt.Sprintf("1%07d", i))] = true
	}

	overflow := deviceIdFor(t, "99999999")
	assert.Equal(t, JoinFull, s.handleJoinRequest(overflow, nil))
}

func TestSlotOneFocusedInvariantEnforcedBySlotManager(t *testing.T) {
	mgr := NewSlotManager(nil, nil)
	a := mgr.Slot(0)
	b := mgr.Slot(1)

	a.Configure(SlotConfig{Kind: ConnKindDevice, TargetID: deviceIdFor(t, "11112222")})
	a.markConnected()
	b.Configure(SlotConfig{Kind: ConnKindDevice, TargetID: deviceIdFor(t, "33334444")})
	b.markConnected()

	require.NoError(t, mgr.SetFocus(0))
	assert.True(t, a.AudioFocus)

	require.NoError(t, mgr.SetFocus(1))
	assert.False(t, a.AudioFocus, "focus must move off the previous slot")
	assert.True(t, b.AudioFocus)
}

func TestSlotManagerSetFocusRejectsUnconnected(t *testing.T) {
	mgr := NewSlotManager(nil, nil)
	mgr.Slot(0).Configure(SlotConfig{Kind: ConnKindDevice, TargetID: deviceIdFor(t, "11112222")})
	err := mgr.SetFocus(0)
	assert.Equal(t, ErrWrongTarget, KindOf(err))
}

func TestSlotManagerFindByDevice(t *testing.T) {
	mgr := NewSlotManager(nil, nil)
	target := deviceIdFor(t, "11112222")
	mgr.Slot(3).Configure(SlotConfig{Kind: ConnKindDevice, TargetID: target})

	found := mgr.FindByDevice(target)
	require.NotNil(t, found)
	assert.Equal(t, 3, found.Index)

	assert.Nil(t, mgr.FindByDevice(deviceIdFor(t, "99999999")))
}

func TestSlotManagerAllocateIncomingExhaustion(t *testing.T) {
	mgr := NewSlotManager(nil, nil)
	for i := 0; i < NumSlots; i++ {
		mgr.Slot(i).Configure(SlotConfig{Kind: ConnKindDevice, TargetID: deviceIdFor(t, "11110000")})
	}
	got := mgr.AllocateIncoming(ConnKindDevice, deviceIdFor(t, "22220000"))
	assert.Nil(t, got, "every slot is occupied, nothing left to allocate")
}
