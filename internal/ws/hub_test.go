package ws

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testClient(id string) *Client {
	return newClient(ConnInfo{ConnID: id, UserID: "u-" + id, ConnectedAt: time.Now()}, DefaultConfig(), zap.NewNop())
}

func TestHubAddAndRemoveClient(t *testing.T) {
	hub := NewHub()
	a, b := testClient("a"), testClient("b")

	hub.Add(a)
	hub.Add(b)
	hub.Add(a)
	assert.Equal(t, 2, hub.Len())

	hub.Remove(a)
	assert.Equal(t, 1, hub.Len())
	hub.Remove(a)
	assert.Equal(t, 1, hub.Len())
}

func TestHubCloseAll(t *testing.T) {
	hub := NewHub()
	a, b := testClient("a"), testClient("b")
	hub.Add(a)
	hub.Add(b)

	hub.CloseAll(CloseShutdown)

	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, CloseShutdown, a.reason())
}

func TestHubShutdownDrainsAndRefusesLateClients(t *testing.T) {
	hub := NewHub()
	a := testClient("a")
	require.True(t, hub.Add(a))

	done := make(chan error, 1)
	go func() { done <- hub.Shutdown(context.Background(), CloseShutdown) }()

	require.Eventually(t, func() bool { return a.State() == StateClosed }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("shutdown returned while a connection was still tracked")
	case <-time.After(20 * time.Millisecond):
	}

	assert.False(t, hub.Add(testClient("late")))

	hub.Remove(a)
	require.NoError(t, <-done)
	assert.Equal(t, 0, hub.Len())
}

func TestHubShutdownStopsWaitingAtDeadline(t *testing.T) {
	hub := NewHub()
	hub.Add(testClient("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, hub.Shutdown(ctx, CloseShutdown), context.DeadlineExceeded)
}

func TestClientStateOnlyMovesForward(t *testing.T) {
	c := testClient("a")
	assert.Equal(t, StateConnecting, c.State())

	assert.True(t, c.advance(StateAuthenticated))
	assert.True(t, c.advance(StateOpen))
	assert.False(t, c.advance(StateAuthenticated))

	assert.NoError(t, c.Close("bye"))
	assert.NoError(t, c.Close("again"))
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, "bye", c.reason())
	assert.False(t, c.advance(StateOpen))
	assert.ErrorIs(t, c.Push(context.Background(), testEnvelope()), ErrClientClosed)
}

func TestCloseCodes(t *testing.T) {
	assert.Equal(t, CloseSupersededCode, closeCode("superseded"))
	assert.Equal(t, 1001, closeCode(CloseShutdown))
	assert.Equal(t, 1000, closeCode(""))
	assert.Equal(t, 1011, closeCode("push failed"))
}
