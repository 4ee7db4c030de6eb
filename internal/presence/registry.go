package presence

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"chat-core/internal/models"
	"chat-core/internal/observability"
)

// CloseSuperseded is the close reason given to a channel replaced by a newer
// connection for the same user.
const CloseSuperseded = "superseded"

// Channel is a connection's live push capability, independent of transport.
type Channel interface {
	ID() string
	Push(ctx context.Context, env models.OutboundEnvelope) error
	Close(reason string) error
}

// Mirror receives presence transitions, e.g. to share them with other nodes.
type Mirror interface {
	Set(ctx context.Context, p models.Presence) error
	Get(ctx context.Context, userID string) (models.Presence, bool, error)
}

type entry struct {
	mu       sync.Mutex
	ch       Channel
	lastSeen time.Time
}

// Registry tracks the single live channel of each connected user. All
// operations for one user id are serialised by that user's entry lock;
// different users never contend beyond the brief map lookup.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	nodeID        string
	mirror        Mirror
	mirrorTimeout time.Duration
	now           func() time.Time
	logger        *zap.Logger
	online        atomic.Int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithMirror publishes every transition to m.
func WithMirror(m Mirror) Option {
	return func(r *Registry) { r.mirror = m }
}

// WithNodeID tags presence entries with the process that owns the channel.
func WithNodeID(id string) Option {
	return func(r *Registry) { r.nodeID = id }
}

// WithClock replaces the time source used for last-seen stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry. Every user starts offline.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		entries:       make(map[string]*entry),
		mirrorTimeout: 500 * time.Millisecond,
		now:           time.Now,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) get(userID string, create bool) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok && create {
		e = &entry{}
		r.entries[userID] = e
	}
	return e
}

// Register makes ch the user's live channel. A previously registered
// channel is closed first.
func (r *Registry) Register(ctx context.Context, userID string, ch Channel) {
	e := r.get(userID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	if prev := e.ch; prev != nil && prev != ch {
		if err := prev.Close(CloseSuperseded); err != nil {
			r.logger.Debug("close superseded channel", zap.String("user_id", userID), zap.String("conn_id", prev.ID()), zap.Error(err))
		}
		r.logger.Info("channel superseded", zap.String("user_id", userID), zap.String("old_conn_id", prev.ID()), zap.String("conn_id", ch.ID()))
	} else if prev == nil {
		observability.SetPresenceOnline(float64(r.online.Add(1)))
	}
	e.ch = ch
	e.lastSeen = r.now().UTC()
	r.mirrorLocked(ctx, r.snapshotLocked(userID, e))
}

// Unregister clears the user's channel only if ch is still the current one,
// so a late close from a superseded connection cannot evict its successor.
// It reports whether the entry was cleared.
func (r *Registry) Unregister(ctx context.Context, userID string, ch Channel) bool {
	e := r.get(userID, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ch == nil || e.ch != ch {
		return false
	}
	e.ch = nil
	e.lastSeen = r.now().UTC()
	observability.SetPresenceOnline(float64(r.online.Add(-1)))
	r.mirrorLocked(ctx, r.snapshotLocked(userID, e))
	return true
}

// Lookup returns the user's current channel.
func (r *Registry) Lookup(userID string) (Channel, bool) {
	e := r.get(userID, false)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch, e.ch != nil
}

// WithChannel runs fn with the user's current channel while holding the
// user's lock, so the channel cannot be superseded or unregistered while fn
// pushes to it. It reports whether the user had a channel.
func (r *Registry) WithChannel(userID string, fn func(Channel) error) (bool, error) {
	e := r.get(userID, false)
	if e == nil {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ch == nil {
		return false, nil
	}
	return true, fn(e.ch)
}

// Status reports the user's local presence.
func (r *Registry) Status(userID string) models.Presence {
	e := r.get(userID, false)
	if e == nil {
		return models.Presence{UserID: userID}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.snapshotLocked(userID, e)
}

// Resolve reports the user's presence, consulting the mirror when the user
// has no channel on this node.
func (r *Registry) Resolve(ctx context.Context, userID string) models.Presence {
	local := r.Status(userID)
	if local.Online || r.mirror == nil {
		return local
	}
	ctx, cancel := context.WithTimeout(ctx, r.mirrorTimeout)
	defer cancel()
	remote, ok, err := r.mirror.Get(ctx, userID)
	if err != nil {
		r.logger.Warn("presence mirror read failed", zap.String("user_id", userID), zap.Error(err))
		return local
	}
	if !ok {
		return local
	}
	return remote
}

// Online lists users with a live channel on this node, ordered by user id.
func (r *Registry) Online() []models.Presence {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)

	out := make([]models.Presence, 0, len(ids))
	for _, id := range ids {
		if p := r.Status(id); p.Online {
			out = append(out, p)
		}
	}
	return out
}

// ClusterOnline lists user ids online on any node when the mirror can
// enumerate them, and falls back to this node's users otherwise.
func (r *Registry) ClusterOnline(ctx context.Context) ([]string, error) {
	if lister, ok := r.mirror.(interface {
		OnlineUsers(ctx context.Context) ([]string, error)
	}); ok {
		ctx, cancel := context.WithTimeout(ctx, r.mirrorTimeout)
		defer cancel()
		ids, err := lister.OnlineUsers(ctx)
		if err != nil {
			return nil, err
		}
		sort.Strings(ids)
		return ids, nil
	}
	local := r.Online()
	ids := make([]string, 0, len(local))
	for _, p := range local {
		ids = append(ids, p.UserID)
	}
	return ids, nil
}

func (r *Registry) snapshotLocked(userID string, e *entry) models.Presence {
	p := models.Presence{UserID: userID, Online: e.ch != nil, NodeID: r.nodeID}
	if e.ch != nil {
		p.ConnID = e.ch.ID()
	}
	if !e.lastSeen.IsZero() {
		seen := e.lastSeen
		p.LastSeen = &seen
	}
	return p
}

// mirrorLocked writes p to the mirror while the entry lock is held so
// mirrored transitions for one user keep their order.
func (r *Registry) mirrorLocked(ctx context.Context, p models.Presence) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.mirrorTimeout)
	defer cancel()
	if err := r.mirror.Set(ctx, p); err != nil {
		r.logger.Warn("presence mirror write failed", zap.String("user_id", p.UserID), zap.Bool("online", p.Online), zap.Error(err))
	}
}
