package query

import (
	"fmt"
	"time"
)

// PagerOptions configures adaptive paging for backends that expose paged
// reads rather than streaming.
type PagerOptions struct {
	// MinPageSize is the starting and floor page size. Must be >= 1.
	MinPageSize int

	// MaxPageSize caps growth. Must be >= MinPageSize.
	MaxPageSize int

	// TargetBatchTime is the per-batch latency window the pager steers
	// toward. Must be > 0.
	TargetBatchTime time.Duration

	// GrowFactor multiplies the page size after a fast batch. Must be > 1.
	GrowFactor float64

	// ShrinkFactor multiplies the page size after a slow batch. Must be in
	// (0, 1).
	ShrinkFactor float64

	// OscillationThreshold is the number of size decisions inside
	// OscillationWindow that, once exceeded, counts as oscillating. Zero
	// disables the detector.
	OscillationThreshold int
	OscillationWindow    time.Duration
}

// DefaultPagerOptions are sensible paging defaults for network-backed
// stores.
func DefaultPagerOptions() PagerOptions {
	return PagerOptions{
		MinPageSize:          64,
		MaxPageSize:          8192,
		TargetBatchTime:      150 * time.Millisecond,
		GrowFactor:           2.0,
		ShrinkFactor:         0.5,
		OscillationThreshold: 8,
		OscillationWindow:    10 * time.Second,
	}
}

func (o PagerOptions) validate() error {
	switch {
	case o.MinPageSize < 1:
		return fmt.Errorf("pager: MinPageSize must be >= 1, got %d", o.MinPageSize)
	case o.MaxPageSize < o.MinPageSize:
		return fmt.Errorf("pager: MaxPageSize %d < MinPageSize %d", o.MaxPageSize, o.MinPageSize)
	case o.TargetBatchTime <= 0:
		return fmt.Errorf("pager: TargetBatchTime must be > 0")
	case o.GrowFactor <= 1:
		return fmt.Errorf("pager: GrowFactor must be > 1, got %v", o.GrowFactor)
	case o.ShrinkFactor <= 0 || o.ShrinkFactor >= 1:
		return fmt.Errorf("pager: ShrinkFactor must be in (0, 1), got %v", o.ShrinkFactor)
	}
	return nil
}

// Pager adjusts the page size after each observed batch: grow when the
// batch came in under the target window, shrink when it overran, always one
// multiplicative step at a time and always within [min, max]. The
// adjustment is deterministic given the observed timings.
//
// Pager is not safe for concurrent use; each paged shard read owns one.
type Pager struct {
	opts PagerOptions
	size int

	decisions     []time.Time
	onOscillation func()
}

// NewPager validates opts and returns a pager starting at MinPageSize.
func NewPager(opts PagerOptions) (*Pager, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Pager{opts: opts, size: opts.MinPageSize}, nil
}

// SetOscillationHandler installs a callback fired whenever the oscillation
// detector trips.
func (p *Pager) SetOscillationHandler(fn func()) { p.onOscillation = fn }

// NewPager builds a pager whose oscillation signals feed the executor's
// metrics.
func (f *Fanout[E, R]) NewPager(opts PagerOptions) (*Pager, error) {
	p, err := NewPager(opts)
	if err != nil {
		return nil, err
	}
	p.SetOscillationHandler(f.metrics.pagerOscillations.Inc)
	return p, nil
}

// Size returns the page size to use for the next batch.
func (p *Pager) Size() int { return p.size }

// Observe records the elapsed time of the last batch and adjusts the page
// size by at most one multiplicative step.
func (p *Pager) Observe(elapsed time.Duration) {
	prev := p.size
	if elapsed < p.opts.TargetBatchTime {
		p.size = min(int(float64(p.size)*p.opts.GrowFactor), p.opts.MaxPageSize)
	} else if elapsed > p.opts.TargetBatchTime {
		p.size = max(int(float64(p.size)*p.opts.ShrinkFactor), p.opts.MinPageSize)
	}
	if p.size != prev {
		p.recordDecision(time.Now())
	}
}

// recordDecision feeds the oscillation detector: more than the threshold
// number of size changes inside the sliding window signals oscillation.
func (p *Pager) recordDecision(now time.Time) {
	if p.opts.OscillationThreshold <= 0 {
		return
	}
	cutoff := now.Add(-p.opts.OscillationWindow)
	kept := p.decisions[:0]
	for _, t := range p.decisions {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.decisions = append(kept, now)
	if len(p.decisions) > p.opts.OscillationThreshold {
		p.decisions = p.decisions[:0]
		if p.onOscillation != nil {
			p.onOscillation()
		}
	}
}
