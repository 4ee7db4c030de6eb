package repositories

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chat-core/internal/db"
	"chat-core/internal/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

// frozen returns a clock that always reports the same instant, to exercise id tie-breaks.
func (c *fakeClock) frozen() func() time.Time {
	at := c.Now()
	return func() time.Time { return at }
}

type repoFactory func(t *testing.T, now func() time.Time) MessageRepository

func newSQLiteRepo(t *testing.T, now func() time.Time) MessageRepository {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_synchronous=FULL", name)
	database, err := db.Connect(db.DriverSQLite, dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	repo := NewMessageRepo(database)
	repo.now = now
	return repo
}

func newMemoryRepo(t *testing.T, now func() time.Time) MessageRepository {
	repo := NewMemoryMessageRepo()
	repo.SetClock(now)
	return repo
}

func forEachRepo(t *testing.T, fn func(t *testing.T, newRepo repoFactory)) {
	for name, factory := range map[string]repoFactory{
		"sqlite": newSQLiteRepo,
		"memory": newMemoryRepo,
	} {
		t.Run(name, func(t *testing.T) { fn(t, factory) })
	}
}

func TestAppendAssignsIDTimestampAndStatus(t *testing.T) {
	forEachRepo(t, func(t *testing.T, newRepo repoFactory) {
		clock := newFakeClock()
		repo := newRepo(t, clock.Now)
		ctx := context.Background()

		first, err := repo.Append(ctx, "alice", "bob", "hi")
		require.NoError(t, err)
		second, err := repo.Append(ctx, "bob", "alice", "hey")
		require.NoError(t, err)

		assert.NotZero(t, first.ID)
		assert.Greater(t, second.ID, first.ID)
		assert.Equal(t, models.StatusSent, first.Status)
		assert.False(t, first.IsRead)
		assert.Nil(t, first.ReadAt)
		assert.True(t, second.CreatedAt.After(first.CreatedAt))

		stored, err := repo.GetMessage(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, first.ID, stored.ID)
		assert.Equal(t, "alice", stored.SenderID)
		assert.Equal(t, "bob", stored.ReceiverID)
		assert.Equal(t, "hi", stored.Content)
		assert.Equal(t, models.StatusSent, stored.Status)
		assert.True(t, first.CreatedAt.Equal(stored.CreatedAt))
	})
}

func TestAppendRejectsInvalidMessages(t *testing.T) {
	forEachRepo(t, func(t *testing.T, newRepo repoFactory) {
		repo := newRepo(t, newFakeClock().Now)
		ctx := context.Background()

		_, err := repo.Append(ctx, "alice", "alice", "hi")
		require.ErrorIs(t, err, models.ErrSelfMessage)
		_, err = repo.Append(ctx, "alice", "bob", "")
		require.ErrorIs(t, err, models.ErrEmptyContent)

		msgs, err := repo.ListForUser(ctx, "alice", nil, 0)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestHistoryOrdersConversationAndFiltersOthers(t *testing.T) {
	forEachRepo(t, func(t *testing.T, newRepo repoFactory) {
		repo := newRepo(t, newFakeClock().Now)
		ctx := context.Background()

		a1, _ := repo.Append(ctx, "alice", "bob", "one")
		_, _ = repo.Append(ctx, "alice", "carol", "elsewhere")
		b1, _ := repo.Append(ctx, "bob", "alice", "two")
		a2, _ := repo.Append(ctx, "alice", "bob", "three")

		msgs, err := repo.History(ctx, HistoryQuery{UserA: "bob", UserB: "alice"})
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, []int64{a1.ID, b1.ID, a2.ID}, ids(msgs))

		since := models.CursorOf(b1)
		msgs, err = repo.History(ctx, HistoryQuery{UserA: "alice", UserB: "bob", Since: &since})
		require.NoError(t, err)
		assert.Equal(t, []int64{a2.ID}, ids(msgs))
	})
}

func TestHistoryBreaksTimestampTiesByID(t *testing.T) {
	forEachRepo(t, func(t *testing.T, newRepo repoFactory) {
		clock := newFakeClock()
		repo := newRepo(t, clock.frozen())
		ctx := context.Background()

		first, _ := repo.Append(ctx, "alice", "bob", "1")
		second, _ := repo.Append(ctx, "bob", "alice", "2")
		third, _ := repo.Append(ctx, "alice", "bob", "3")
		require.True(t, first.CreatedAt.Equal(third.CreatedAt))

		since := models.CursorOf(first)
		msgs, err := repo.History(ctx, HistoryQuery{UserA: "alice", UserB: "bob", Since: &since})
		require.NoError(t, err)
		assert.Equal(t, []int64{second.ID, third.ID}, ids(msgs))
	})
}

func TestAppendOrderSurvivesClockStepBack(t *testing.T) {
	forEachRepo(t, func(t *testing.T, newRepo repoFactory) {
		base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
		var mu sync.Mutex
		readings := []time.Time{base, base.Add(-time.Hour), base.Add(time.Second)}
		now := func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			at := readings[0]
			if len(readings) > 1 {
				readings = readings[1:]
			}
			return at
		}
		repo := newRepo(t, now)
		ctx := context.Background()

		first, err := repo.Append(ctx, "alice", "bob", "before")
		require.NoError(t, err)
		second, err := repo.Append(ctx, "bob", "alice", "after step back")
		require.NoError(t, err)
		third, err := repo.Append(ctx, "alice", "bob", "recovered")
		require.NoError(t, err)

		assert.False(t, second.CreatedAt.Before(first.CreatedAt))
		assert.True(t, models.Less(first, second))
		assert.True(t, third.CreatedAt.After(second.CreatedAt))

		since := models.CursorOf(first)
		msgs, err := repo.History(ctx, HistoryQuery{UserA: "alice", UserB: "bob", Since: &since})
		require.NoError(t, err)
		assert.Equal(t, []int64{second.ID, third.ID}, ids(msgs))
	})
}

func TestListForUserSpansConversations(t *testing.T) {
	forEachRepo(t, func(t *testing.T, newRepo repoFactory) {
		repo := newRepo(t, newFakeClock().Now)
		ctx := context.Background()

		m1, _ := repo.Append(ctx, "alice", "bob", "one")
		m2, _ := repo.Append(ctx, "carol", "alice", "two")
		_, _ = repo.Append(ctx, "bob", "carol", "not mine")

		msgs, err := repo.ListForUser(ctx, "alice", nil, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{m1.ID, m2.ID}, ids(msgs))

		msgs, err = repo.ListForUser(ctx, "alice", nil, 1)
		require.NoError(t, err)
		assert.Equal(t, []int64{m1.ID}, ids(msgs))
	})
}

func TestStatusTransitionsAreIdempotentAndMonotonic(t *testing.T) {
	forEachRepo(t, func(t *testing.T, newRepo repoFactory) {
		clock := newFakeClock()
		repo := newRepo(t, clock.Now)
		ctx := context.Background()

		msg, err := repo.Append(ctx, "alice", "bob", "hi")
		require.NoError(t, err)

		require.NoError(t, repo.MarkDelivered(ctx, msg.ID))
		require.NoError(t, repo.MarkDelivered(ctx, msg.ID))
		got, _ := repo.GetMessage(ctx, msg.ID)
		assert.Equal(t, models.StatusDelivered, got.Status)

		readAt := clock.Now()
		require.NoError(t, repo.MarkRead(ctx, msg.ID, readAt))
		require.NoError(t, repo.MarkRead(ctx, msg.ID, clock.Now()))
		got, _ = repo.GetMessage(ctx, msg.ID)
		assert.Equal(t, models.StatusRead, got.Status)
		assert.True(t, got.IsRead)
		require.NotNil(t, got.ReadAt)
		assert.True(t, readAt.Equal(*got.ReadAt), "read_at keeps the first transition")

		require.NoError(t, repo.MarkDelivered(ctx, msg.ID))
		got, _ = repo.GetMessage(ctx, msg.ID)
		assert.Equal(t, models.StatusRead, got.Status, "status never regresses")
	})
}

func TestStatusTransitionUnknownID(t *testing.T) {
	forEachRepo(t, func(t *testing.T, newRepo repoFactory) {
		repo := newRepo(t, newFakeClock().Now)
		ctx := context.Background()

		require.ErrorIs(t, repo.MarkDelivered(ctx, 999), ErrMessageNotFound)
		require.ErrorIs(t, repo.MarkRead(ctx, 999, time.Now()), ErrMessageNotFound)
		_, err := repo.GetMessage(ctx, 999)
		require.ErrorIs(t, err, ErrMessageNotFound)
	})
}

func TestMarkConversationReadOnlyTouchesOneDirection(t *testing.T) {
	forEachRepo(t, func(t *testing.T, newRepo repoFactory) {
		clock := newFakeClock()
		repo := newRepo(t, clock.Now)
		ctx := context.Background()

		in1, _ := repo.Append(ctx, "bob", "alice", "1")
		in2, _ := repo.Append(ctx, "bob", "alice", "2")
		out, _ := repo.Append(ctx, "alice", "bob", "3")

		count, err := repo.MarkConversationRead(ctx, "bob", "alice", clock.Now())
		require.NoError(t, err)
		assert.EqualValues(t, 2, count)

		count, err = repo.MarkConversationRead(ctx, "bob", "alice", clock.Now())
		require.NoError(t, err)
		assert.EqualValues(t, 0, count)

		for _, id := range []int64{in1.ID, in2.ID} {
			got, _ := repo.GetMessage(ctx, id)
			assert.Equal(t, models.StatusRead, got.Status)
		}
		got, _ := repo.GetMessage(ctx, out.ID)
		assert.Equal(t, models.StatusSent, got.Status)
	})
}

func TestConcurrentAppendsAreAllStoredInOrder(t *testing.T) {
	forEachRepo(t, func(t *testing.T, newRepo repoFactory) {
		repo := newRepo(t, newFakeClock().Now)
		ctx := context.Background()

		const perSide = 20
		var wg sync.WaitGroup
		for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
			wg.Add(1)
			go func(from, to string) {
				defer wg.Done()
				for i := 0; i < perSide; i++ {
					_, err := repo.Append(ctx, from, to, fmt.Sprintf("%s-%d", from, i))
					assert.NoError(t, err)
				}
			}(pair[0], pair[1])
		}
		wg.Wait()

		msgs, err := repo.History(ctx, HistoryQuery{UserA: "alice", UserB: "bob"})
		require.NoError(t, err)
		require.Len(t, msgs, 2*perSide)
		seen := map[int64]bool{}
		for i, m := range msgs {
			assert.False(t, seen[m.ID], "duplicate id %d", m.ID)
			seen[m.ID] = true
			if i > 0 {
				assert.True(t, models.Less(msgs[i-1], m), "history out of order at %d", i)
			}
		}
	})
}

func TestPing(t *testing.T) {
	forEachRepo(t, func(t *testing.T, newRepo repoFactory) {
		repo := newRepo(t, time.Now)
		require.NoError(t, repo.Ping(context.Background()))
	})
}

func ids(msgs []models.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
