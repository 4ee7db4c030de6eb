package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chat-core/internal/models"
)

type fakeChannel struct {
	id string

	mu      sync.Mutex
	pushed  []models.OutboundEnvelope
	closed  []string
	pushErr error
}

func newFakeChannel(id string) *fakeChannel {
	return &fakeChannel{id: id}
}

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) Push(_ context.Context, env models.OutboundEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pushErr != nil {
		return c.pushErr
	}
	c.pushed = append(c.pushed, env)
	return nil
}

func (c *fakeChannel) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, reason)
	return nil
}

func (c *fakeChannel) closeReasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.closed...)
}

type mirrorMock struct {
	mock.Mock
}

func (m *mirrorMock) Set(ctx context.Context, p models.Presence) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *mirrorMock) Get(ctx context.Context, userID string) (models.Presence, bool, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(models.Presence), args.Bool(1), args.Error(2)
}

func fixedClock() func() time.Time {
	at := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func TestRegisterMakesUserOnline(t *testing.T) {
	r := NewRegistry(zap.NewNop(), WithNodeID("node-1"), WithClock(fixedClock()))
	ctx := context.Background()

	assert.False(t, r.Status("alice").Online)

	ch := newFakeChannel("c1")
	r.Register(ctx, "alice", ch)

	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, ch, got)

	p := r.Status("alice")
	assert.True(t, p.Online)
	assert.Equal(t, "node-1", p.NodeID)
	assert.Equal(t, "c1", p.ConnID)
	require.NotNil(t, p.LastSeen)
}

func TestRegisterSupersedesPreviousChannel(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	ctx := context.Background()

	old := newFakeChannel("old")
	fresh := newFakeChannel("new")
	r.Register(ctx, "alice", old)
	r.Register(ctx, "alice", fresh)

	assert.Equal(t, []string{CloseSuperseded}, old.closeReasons())
	assert.Empty(t, fresh.closeReasons())

	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, fresh, got)
	assert.Len(t, r.Online(), 1)
}

func TestUnregisterIgnoresStaleChannel(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	ctx := context.Background()

	old := newFakeChannel("old")
	fresh := newFakeChannel("new")
	r.Register(ctx, "alice", old)
	r.Register(ctx, "alice", fresh)

	assert.False(t, r.Unregister(ctx, "alice", old))
	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, fresh, got)

	assert.True(t, r.Unregister(ctx, "alice", fresh))
	_, ok = r.Lookup("alice")
	assert.False(t, ok)

	p := r.Status("alice")
	assert.False(t, p.Online)
	assert.NotNil(t, p.LastSeen, "last seen survives going offline")

	assert.False(t, r.Unregister(ctx, "alice", fresh))
	assert.False(t, r.Unregister(ctx, "nobody", fresh))
}

func TestWithChannel(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	ctx := context.Background()

	found, err := r.WithChannel("bob", func(Channel) error {
		t.Fatal("callback must not run for an offline user")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, found)

	ch := newFakeChannel("c1")
	r.Register(ctx, "bob", ch)

	env := models.OutboundEnvelope{From: "alice", Message: "hi"}
	found, err = r.WithChannel("bob", func(c Channel) error {
		return c.Push(ctx, env)
	})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []models.OutboundEnvelope{env}, ch.pushed)

	ch.pushErr = errors.New("broken pipe")
	found, err = r.WithChannel("bob", func(c Channel) error {
		return c.Push(ctx, env)
	})
	assert.True(t, found)
	assert.EqualError(t, err, "broken pipe")
}

func TestOnlineListsUsersInOrder(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	ctx := context.Background()

	r.Register(ctx, "carol", newFakeChannel("c"))
	bob := newFakeChannel("b")
	r.Register(ctx, "bob", bob)
	r.Register(ctx, "alice", newFakeChannel("a"))
	r.Unregister(ctx, "bob", bob)

	var users []string
	for _, p := range r.Online() {
		users = append(users, p.UserID)
	}
	assert.Equal(t, []string{"alice", "carol"}, users)

	ids, err := r.ClusterOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, ids)
}

func TestMirrorReceivesTransitions(t *testing.T) {
	m := new(mirrorMock)
	m.On("Set", mock.Anything, mock.MatchedBy(func(p models.Presence) bool {
		return p.UserID == "alice" && p.Online && p.ConnID == "c1"
	})).Return(nil).Once()
	m.On("Set", mock.Anything, mock.MatchedBy(func(p models.Presence) bool {
		return p.UserID == "alice" && !p.Online
	})).Return(nil).Once()

	r := NewRegistry(zap.NewNop(), WithMirror(m))
	ctx := context.Background()
	ch := newFakeChannel("c1")
	r.Register(ctx, "alice", ch)
	r.Unregister(ctx, "alice", ch)

	m.AssertExpectations(t)
}

func TestMirrorFailureDoesNotBlockRegistration(t *testing.T) {
	m := new(mirrorMock)
	m.On("Set", mock.Anything, mock.Anything).Return(errors.New("redis down"))

	r := NewRegistry(zap.NewNop(), WithMirror(m))
	r.Register(context.Background(), "alice", newFakeChannel("c1"))

	assert.True(t, r.Status("alice").Online)
}

func TestResolveFallsBackToMirror(t *testing.T) {
	remote := models.Presence{UserID: "dave", Online: true, NodeID: "node-2"}
	m := new(mirrorMock)
	m.On("Set", mock.Anything, mock.Anything).Return(nil)
	m.On("Get", mock.Anything, "dave").Return(remote, true, nil)
	m.On("Get", mock.Anything, "erin").Return(models.Presence{}, false, nil)
	m.On("Get", mock.Anything, "frank").Return(models.Presence{}, false, errors.New("timeout"))

	r := NewRegistry(zap.NewNop(), WithMirror(m), WithNodeID("node-1"))
	ctx := context.Background()
	r.Register(ctx, "alice", newFakeChannel("c1"))

	local := r.Resolve(ctx, "alice")
	assert.True(t, local.Online)
	assert.Equal(t, "node-1", local.NodeID)

	assert.Equal(t, remote, r.Resolve(ctx, "dave"))
	assert.False(t, r.Resolve(ctx, "erin").Online)
	assert.False(t, r.Resolve(ctx, "frank").Online)
	m.AssertNotCalled(t, "Get", mock.Anything, "alice")
}

func TestConcurrentRegisterKeepsOneChannel(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	ctx := context.Background()

	const n = 50
	channels := make([]*fakeChannel, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		channels[i] = newFakeChannel(fmt.Sprintf("c%d", i))
		wg.Add(1)
		go func(ch *fakeChannel) {
			defer wg.Done()
			r.Register(ctx, "alice", ch)
		}(channels[i])
	}
	wg.Wait()

	current, ok := r.Lookup("alice")
	require.True(t, ok)

	open := 0
	for _, ch := range channels {
		if len(ch.closeReasons()) == 0 {
			open++
			assert.Same(t, current, Channel(ch))
		}
	}
	assert.Equal(t, 1, open, "exactly one channel survives")
	assert.Len(t, r.Online(), 1)
}
