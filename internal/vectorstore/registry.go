package vectorstore

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/pdfchat/internal/metrics"
)

const defaultResolveTimeout = 30 * time.Second

// Registry hands out one Handle per normalized key for the life of the
// process. Cached handles are read without locking; concurrent first-time
// resolutions of the same key share a single creation.
type Registry struct {
	durable Backend
	local   *LocalIndex
	timeout time.Duration
	logger  *slog.Logger

	handles sync.Map // Key -> Handle
	group   singleflight.Group
}

type RegistryOption func(*Registry)

// WithResolveTimeout bounds a durable open/create round trip.
func WithResolveTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry builds a registry. A nil durable backend means every handle is
// local.
func NewRegistry(durable Backend, local *LocalIndex, opts ...RegistryOption) *Registry {
	r := &Registry{
		durable: durable,
		local:   local,
		timeout: defaultResolveTimeout,
		logger:  slog.Default().With("component", "vectorstore"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the handle for (userID, docID). It never fails: when the
// durable backend cannot serve the key, a local handle is cached in its place
// and the backend is not retried for that key.
func (r *Registry) Resolve(ctx context.Context, userID, docID string) Handle {
	key := NewKey(userID, docID)
	if h, ok := r.handles.Load(key); ok {
		metrics.HandleResolved("cache")
		return h.(Handle)
	}

	// The creation outlives any one caller: a cancelled request must not
	// poison the shared result for the others waiting on it.
	v, _, _ := r.group.Do(key.Collection(), func() (any, error) {
		if h, ok := r.handles.Load(key); ok {
			return h, nil
		}
		h := r.create(context.WithoutCancel(ctx), key)
		r.handles.Store(key, h)
		return h, nil
	})
	return v.(Handle)
}

func (r *Registry) create(ctx context.Context, key Key) Handle {
	if r.durable == nil {
		metrics.HandleResolved("memory")
		r.logger.Debug("using local index", "key", key)
		return r.local.Handle(key)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	h, err := r.durable.Open(ctx, key)
	if err == nil {
		metrics.HandleResolved("opened")
		r.logger.Debug("opened collection", "collection", key.Collection())
		return h
	}
	if errors.Is(err, ErrCollectionNotFound) {
		h, err = r.durable.Create(ctx, key)
		if err == nil {
			metrics.HandleResolved("created")
			r.logger.Info("created collection", "collection", key.Collection())
			return h
		}
	}

	metrics.HandleResolved("fallback")
	r.logger.Warn("durable vector store unavailable, using local index",
		"collection", key.Collection(), "unreachable", IsUnreachable(err), "error", err)
	return r.local.Handle(key)
}
