package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"chat-core/internal/models"
)

// RedisMirror shares presence with other nodes through Redis.
// Keys used:
//   - <prefix>:presence:<userID> -> json models.Presence
//   - <prefix>:online            -> set of online user ids
type RedisMirror struct {
	client  redis.UniversalClient
	prefix  string
	breaker *gobreaker.CircuitBreaker
}

// NewRedisMirror wraps client. Calls fail fast once Redis has failed
// repeatedly, until the breaker half-opens again.
func NewRedisMirror(client redis.UniversalClient, prefix string) *RedisMirror {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "presence-redis",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &RedisMirror{client: client, prefix: prefix, breaker: breaker}
}

func (m *RedisMirror) presenceKey(userID string) string {
	return fmt.Sprintf("%s:presence:%s", m.prefix, userID)
}

func (m *RedisMirror) onlineKey() string {
	return m.prefix + ":online"
}

// Set records p and maintains the online set.
func (m *RedisMirror) Set(ctx context.Context, p models.Presence) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = m.breaker.Execute(func() (interface{}, error) {
		_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, m.presenceKey(p.UserID), body, 0)
			if p.Online {
				pipe.SAdd(ctx, m.onlineKey(), p.UserID)
			} else {
				pipe.SRem(ctx, m.onlineKey(), p.UserID)
			}
			return nil
		})
		return nil, err
	})
	return err
}

// Get returns the mirrored presence of userID.
func (m *RedisMirror) Get(ctx context.Context, userID string) (models.Presence, bool, error) {
	res, err := m.breaker.Execute(func() (interface{}, error) {
		b, err := m.client.Get(ctx, m.presenceKey(userID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return b, err
	})
	if err != nil {
		return models.Presence{}, false, err
	}
	b, _ := res.([]byte)
	if b == nil {
		return models.Presence{}, false, nil
	}
	var p models.Presence
	if err := json.Unmarshal(b, &p); err != nil {
		return models.Presence{}, false, err
	}
	return p, true, nil
}

// OnlineUsers lists user ids online on any node.
func (m *RedisMirror) OnlineUsers(ctx context.Context) ([]string, error) {
	res, err := m.breaker.Execute(func() (interface{}, error) {
		return m.client.SMembers(ctx, m.onlineKey()).Result()
	})
	if err != nil {
		return nil, err
	}
	ids, _ := res.([]string)
	return ids, nil
}
