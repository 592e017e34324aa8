// Package ring implements the consistent-hash ring used by the router to
// pick a candidate shard for a previously unseen key.
package ring

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/shardkit/shardkit/shard"
)

// DefaultReplication is the number of virtual nodes placed on the ring per
// shard when the caller does not specify one. Higher values reduce load
// variance at memory cost.
const DefaultReplication = 100

type entry struct {
	hash uint32
	id   shard.ID
}

// Ring is an immutable consistent-hash ring. Construction is deterministic:
// the same shard IDs, replication factor and hasher always produce the same
// ring.
type Ring struct {
	entries     []entry
	replication int
}

// Options configures ring construction. The zero value selects the defaults.
type Options struct {
	// Replication is the virtual node count per shard. Zero means
	// DefaultReplication.
	Replication int

	// Hasher positions virtual nodes and keys on the ring. Nil means
	// SHA256Hasher.
	Hasher Hasher
}

// New builds a ring over the given shards.
func New(ids []shard.ID, opts Options) (*Ring, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("ring: no shards")
	}
	replication := opts.Replication
	if replication <= 0 {
		replication = DefaultReplication
	}
	hasher := opts.Hasher
	if hasher == nil {
		hasher = SHA256Hasher
	}

	entries := make([]entry, 0, len(ids)*replication)
	for _, id := range ids {
		if !id.Valid() {
			return nil, fmt.Errorf("ring: empty shard id")
		}
		for replica := 0; replica < replication; replica++ {
			point := hasher([]byte(id.String() + "#" + strconv.Itoa(replica)))
			entries = append(entries, entry{hash: point, id: id})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].hash != entries[j].hash {
			return entries[i].hash < entries[j].hash
		}
		// Hash collisions between virtual nodes are resolved by id so that
		// construction stays order-independent.
		return entries[i].id < entries[j].id
	})
	return &Ring{entries: entries, replication: replication}, nil
}

// Lookup returns the shard owning the given key hash: the smallest ring
// entry with hash >= keyHash, wrapping to the first entry.
func (r *Ring) Lookup(keyHash uint32) shard.ID {
	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].hash >= keyHash
	})
	if i == len(r.entries) {
		i = 0
	}
	return r.entries[i].id
}

// LookupKey hashes the key's canonical bytes with the supplied hasher and
// resolves it on the ring.
func LookupKey[K comparable](r *Ring, hasher Hasher, key shard.Key[K]) shard.ID {
	return r.Lookup(hasher(key.Bytes()))
}

// Replication returns the virtual node count per shard.
func (r *Ring) Replication() int { return r.replication }

// Size returns the total number of virtual nodes on the ring.
func (r *Ring) Size() int { return len(r.entries) }
