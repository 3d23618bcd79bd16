package session

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345}
}

func TestNewWithoutAuthStartsAuthenticated(t *testing.T) {
	s := New(testAddr(), false)
	assert.Equal(t, StateConnected, s.State())
	assert.True(t, s.IsAuthenticated())
}

func TestNewWithAuthStartsUnauthenticated(t *testing.T) {
	s := New(testAddr(), true)
	assert.False(t, s.IsAuthenticated())
}

func TestCompleteHandshakeGoesStraightToAuthenticatedWhenNoAuthRequired(t *testing.T) {
	s := New(testAddr(), false)
	s.CompleteHandshake(1, WireBinaryJSON, []string{"idempotency"})
	assert.Equal(t, StateAuthenticated, s.State())
	assert.EqualValues(t, 1, s.ProtocolVersion())
	assert.True(t, s.HasFeature("idempotency"))
	assert.False(t, s.HasFeature("nope"))
}

func TestCompleteHandshakeStopsAtReadyWhenAuthOwed(t *testing.T) {
	s := New(testAddr(), true)
	s.CompleteHandshake(1, WireBinaryJSON, nil)
	assert.Equal(t, StateReady, s.State())

	s.SetAuthenticated(true)
	assert.Equal(t, StateAuthenticated, s.State())
}

func TestSubscriptionBookkeeping(t *testing.T) {
	s := New(testAddr(), false)
	s.AddSubscription("sub-1", SubscriptionInstance)
	s.AddSubscription("sub-2", SubscriptionAll)

	assert.Len(t, s.Subscriptions(), 2)
	assert.Equal(t, 2, s.SubscriptionCount())

	assert.True(t, s.RemoveSubscription("sub-1"))
	assert.Len(t, s.Subscriptions(), 1)
	assert.False(t, s.RemoveSubscription("sub-1"))
}

func TestRecordRequestAdvancesCounterAndIdleClock(t *testing.T) {
	s := New(testAddr(), false)
	assert.EqualValues(t, 0, s.RequestCount())
	s.RecordRequest()
	s.RecordRequest()
	assert.EqualValues(t, 2, s.RequestCount())
	assert.Less(t, s.IdleDuration().Nanoseconds(), int64(1e9))
}
