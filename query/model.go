// Package query executes a composable query model across shards
// concurrently and merges the per-shard results into one stream.
package query

import (
	"strings"

	"github.com/shardkit/shardkit/shard"
)

// Predicate is a boolean filter over the entity type.
type Predicate[E any] func(E) bool

// Model is an immutable description of a query: the source entity set, an
// ordered predicate chain, an optional projection and an optional explicit
// shard subset. Build it with New; the zero value is not usable.
//
// Every predicate carries a caller-supplied expression text. The text is
// what backends key their compiled-filter caches by, so it must be stable
// for a given logical predicate.
type Model[E, R any] struct {
	source     string
	predicates []predicate[E]
	projection func(E) R
	targets    []shard.ID
}

type predicate[E any] struct {
	expr string
	fn   Predicate[E]
}

// Builder assembles a Model. Each method returns a derived builder; the
// original is never mutated.
type Builder[E, R any] struct {
	model Model[E, R]
}

// New starts a query over the named entity source, projecting entities with
// project. Use Identity for queries that yield the entity itself.
func New[E, R any](source string, project func(E) R) Builder[E, R] {
	return Builder[E, R]{model: Model[E, R]{source: source, projection: project}}
}

// Identity is the no-op projection.
func Identity[E any](e E) E { return e }

// Where appends a predicate with its stable expression text.
func (b Builder[E, R]) Where(expr string, p Predicate[E]) Builder[E, R] {
	next := b
	next.model.predicates = append(append([]predicate[E]{}, b.model.predicates...), predicate[E]{expr: expr, fn: p})
	return next
}

// Target restricts execution to the given shards. An empty target set means
// all shards.
func (b Builder[E, R]) Target(ids ...shard.ID) Builder[E, R] {
	next := b
	next.model.targets = append(append([]shard.ID{}, b.model.targets...), ids...)
	return next
}

// Build finalizes the model.
func (b Builder[E, R]) Build() *Model[E, R] {
	m := b.model
	return &m
}

// Source returns the entity source name.
func (m *Model[E, R]) Source() string { return m.source }

// Targets returns the explicit shard subset, empty meaning all shards.
func (m *Model[E, R]) Targets() []shard.ID { return append([]shard.ID{}, m.targets...) }

// Match applies the predicate chain in order.
func (m *Model[E, R]) Match(e E) bool {
	for _, p := range m.predicates {
		if !p.fn(e) {
			return false
		}
	}
	return true
}

// Project applies the projection.
func (m *Model[E, R]) Project(e E) R { return m.projection(e) }

// CacheKey is a stable text key for the model's filter chain, suitable for
// compiled-predicate caches.
func (m *Model[E, R]) CacheKey() string {
	var sb strings.Builder
	sb.WriteString(m.source)
	for _, p := range m.predicates {
		sb.WriteString("|")
		sb.WriteString(p.expr)
	}
	return sb.String()
}
