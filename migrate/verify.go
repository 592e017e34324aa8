package migrate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"
)

// Canonicalize renders a value to a stable UTF-8 byte sequence: object keys
// ordered, numbers in their literal JSON form, timestamps normalized to
// UTC RFC3339. Logically equal values canonicalize identically across
// processes, which is what makes checksum verification meaningful.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}

	out, err := json.Marshal(normalize(tree))
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// normalize rewrites RFC3339 timestamp strings to UTC and recurses into
// containers. Maps keep their map[string]any shape; encoding/json emits
// their keys sorted.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC().Format(time.RFC3339Nano)
		}
		return t
	default:
		return t
	}
}

// StableHash hashes canonical bytes with FNV-1a 64, the default stable
// hasher for checksum verification.
func StableHash(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Projection maps an entity to the value that gets canonicalized and
// hashed. It must be pure: no randomness, no wall clock, no
// locale-sensitive formatting.
type Projection[V any] func(V) any

// ChecksumVerifier compares source and target by hashing a deterministic
// projection of each side. Both rows absent counts as a match (the copy was
// a no-op); one side absent is a mismatch.
type ChecksumVerifier[K comparable, V any] struct {
	Data ShardData[K, V]

	// Project defaults to the identity projection.
	Project Projection[V]
}

var _ Verifier[string] = (*ChecksumVerifier[string, int])(nil)

func (v *ChecksumVerifier[K, V]) Verify(ctx context.Context, move KeyMove[K]) (bool, error) {
	if move.Fresh() {
		return true, nil
	}
	srcValue, _, srcFound, err := v.Data.Read(ctx, move.Source, move.Key)
	if err != nil {
		return false, fmt.Errorf("verify %s read source %s: %w", move.Key, move.Source, err)
	}
	dstValue, _, dstFound, err := v.Data.Read(ctx, move.Target, move.Key)
	if err != nil {
		return false, fmt.Errorf("verify %s read target %s: %w", move.Key, move.Target, err)
	}
	if !srcFound && !dstFound {
		return true, nil
	}
	if srcFound != dstFound {
		return false, nil
	}

	srcHash, err := v.hash(srcValue)
	if err != nil {
		return false, err
	}
	dstHash, err := v.hash(dstValue)
	if err != nil {
		return false, err
	}
	return srcHash == dstHash, nil
}

func (v *ChecksumVerifier[K, V]) hash(value V) (uint64, error) {
	projected := any(value)
	if v.Project != nil {
		projected = v.Project(value)
	}
	canonical, err := Canonicalize(projected)
	if err != nil {
		return 0, err
	}
	return StableHash(canonical), nil
}

// RowVersionVerifier compares the opaque row-version bytes of both sides.
// When either side has no row version it falls through to the checksum
// strategy rather than assuming presence implies equality.
type RowVersionVerifier[K comparable, V any] struct {
	Data     ShardData[K, V]
	Checksum *ChecksumVerifier[K, V]
}

var _ Verifier[string] = (*RowVersionVerifier[string, int])(nil)

// NewRowVersionVerifier builds the rowversion strategy with a checksum
// fallback over the same data access.
func NewRowVersionVerifier[K comparable, V any](data ShardData[K, V], project Projection[V]) *RowVersionVerifier[K, V] {
	return &RowVersionVerifier[K, V]{
		Data:     data,
		Checksum: &ChecksumVerifier[K, V]{Data: data, Project: project},
	}
}

func (v *RowVersionVerifier[K, V]) Verify(ctx context.Context, move KeyMove[K]) (bool, error) {
	if move.Fresh() {
		return true, nil
	}
	_, srcVersion, srcFound, err := v.Data.Read(ctx, move.Source, move.Key)
	if err != nil {
		return false, fmt.Errorf("verify %s read source %s: %w", move.Key, move.Source, err)
	}
	_, dstVersion, dstFound, err := v.Data.Read(ctx, move.Target, move.Key)
	if err != nil {
		return false, fmt.Errorf("verify %s read target %s: %w", move.Key, move.Target, err)
	}
	if !srcFound && !dstFound {
		return true, nil
	}
	if srcFound != dstFound {
		return false, nil
	}
	if len(srcVersion) == 0 || len(dstVersion) == 0 {
		return v.Checksum.Verify(ctx, move)
	}
	return bytes.Equal(srcVersion, dstVersion), nil
}
