// Package router resolves logical keys to shards. Existing assignments come
// from the assignment store; unseen keys are placed on the consistent-hash
// ring and installed atomically, so every router instance sharing a store
// agrees on ownership.
package router

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/shardkit/shardkit/ring"
	"github.com/shardkit/shardkit/shard"
	"github.com/shardkit/shardkit/store"
)

var log = logging.Logger("shardkit/router")

// Options configures a Router. The zero value selects the defaults.
type Options struct {
	// Replication is the virtual node count per shard on the ring.
	// Zero means ring.DefaultReplication.
	Replication int

	// KeyHasher hashes canonical key bytes for ring placement. Nil means
	// ring.SHA256Hasher.
	KeyHasher ring.Hasher

	// RingHasher positions virtual nodes. Nil means ring.SHA256Hasher.
	// Split from KeyHasher so hot paths can pick FNV without changing ring
	// layout conventions.
	RingHasher ring.Hasher
}

// Router maps keys to shards. The ring is immutable per instance; the
// assignment store is the source of truth for existing assignments, so a
// migration swap is observed on the next Route call.
type Router[K comparable] struct {
	ring        *ring.Ring
	keyHasher   ring.Hasher
	assignments store.Assignments[K]
	metrics     *metrics
}

// New builds a router over the given shard set and assignment store.
func New[K comparable](ids []shard.ID, assignments store.Assignments[K], opts Options) (*Router[K], error) {
	r, err := ring.New(ids, ring.Options{Replication: opts.Replication, Hasher: opts.RingHasher})
	if err != nil {
		return nil, err
	}
	keyHasher := opts.KeyHasher
	if keyHasher == nil {
		keyHasher = ring.SHA256Hasher
	}
	return &Router[K]{
		ring:        r,
		keyHasher:   keyHasher,
		assignments: assignments,
		metrics:     routerMetrics(),
	}, nil
}

// Route returns the shard owning key, creating the assignment if none
// exists. existing=false means this call created the assignment; contention
// with a concurrent first route reports existing=true with the winner's
// shard. Storage errors surface unmodified; the router never retries and
// never guesses a shard.
func (r *Router[K]) Route(ctx context.Context, key shard.Key[K]) (m shard.Map[K], existing bool, err error) {
	start := time.Now()
	defer func() {
		if err == nil {
			r.metrics.latency.Observe(time.Since(start).Seconds())
		}
	}()

	if id, ok, err := r.assignments.TryGet(ctx, key); err != nil {
		return shard.Map[K]{}, false, err
	} else if ok {
		r.metrics.hits.WithLabelValues("true").Inc()
		return shard.Map[K]{Key: key, Shard: id}, true, nil
	}
	r.metrics.misses.Inc()

	candidate := r.ring.Lookup(r.keyHasher(key.Bytes()))
	created, current, err := r.assignments.TryGetOrAdd(ctx, key, func() shard.ID { return candidate })
	if err != nil {
		return shard.Map[K]{}, false, err
	}
	if created {
		log.Debugw("assigned key", "key", key, "shard", current.Shard)
		r.metrics.hits.WithLabelValues("false").Inc()
		return current, false, nil
	}
	// Lost the race; the winner's assignment is authoritative.
	r.metrics.hits.WithLabelValues("true").Inc()
	return current, true, nil
}

// Ring exposes the router's immutable ring, mainly for diagnostics.
func (r *Router[K]) Ring() *ring.Ring { return r.ring }
