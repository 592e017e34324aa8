// Package health classifies shards as healthy or unhealthy from periodic
// probes and gates query fan-out on the result.
package health

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/shardkit/shardkit/shard"
)

var log = logging.Logger("shardkit/health")

// Status is a shard's health classification.
type Status int

const (
	Healthy Status = iota
	Unhealthy
)

func (s Status) String() string {
	return [...]string{"Healthy", "Unhealthy"}[s]
}

// Report is the outcome of one probe.
type Report struct {
	Status      Status
	Description string
	Latency     time.Duration
	Err         error
}

// Probe checks one shard's backing store. Implementations own their probe
// timeout.
type Probe interface {
	Probe(ctx context.Context, id shard.ID) Report
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context, id shard.ID) Report

func (f ProbeFunc) Probe(ctx context.Context, id shard.ID) Report { return f(ctx, id) }

// Transition is emitted whenever a shard changes status.
type Transition struct {
	Shard      shard.ID
	From, To   Status
	LastReport Report
	At         time.Time
}

// Options configures a Monitor.
type Options struct {
	// Interval between probe rounds. Zero means 5s.
	Interval time.Duration

	// UnhealthyThreshold is the consecutive failures flipping a shard to
	// Unhealthy. Zero means 3.
	UnhealthyThreshold int

	// HealthyThreshold is the consecutive successes flipping a shard back
	// to Healthy. Zero means 2.
	HealthyThreshold int

	// Cooldown suppresses a transition within this window of the previous
	// one; counters keep accumulating meanwhile. Zero disables.
	Cooldown time.Duration
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.UnhealthyThreshold <= 0 {
		o.UnhealthyThreshold = 3
	}
	if o.HealthyThreshold <= 0 {
		o.HealthyThreshold = 2
	}
}

// shardHealth tracks one shard's hysteresis state.
type shardHealth struct {
	status               Status
	consecutiveFailures  int
	consecutiveSuccesses int
	lastReport           Report
	lastTransition       time.Time
}

// Monitor probes each shard every interval and applies hysteresis
// thresholds: a shard flips Unhealthy after UnhealthyThreshold consecutive
// failures and recovers after HealthyThreshold consecutive successes. Each
// transition resets the opposite counter and is published to subscribers.
type Monitor struct {
	probe  Probe
	shards []shard.ID
	opts   Options

	mu     sync.RWMutex
	state  map[shard.ID]*shardHealth
	events []chan Transition

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor builds a monitor over the given shards. Shards start Healthy.
func NewMonitor(ids []shard.ID, probe Probe, opts Options) *Monitor {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	state := make(map[shard.ID]*shardHealth, len(ids))
	for _, id := range ids {
		state[id] = &shardHealth{status: Healthy}
	}
	return &Monitor{
		probe:  probe,
		shards: append([]shard.ID{}, ids...),
		opts:   opts,
		state:  state,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the periodic probe loop. An initial round runs
// immediately.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()

		m.ProbeOnce(m.ctx)
		for {
			select {
			case <-ticker.C:
				m.ProbeOnce(m.ctx)
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

// Stop halts probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Subscribe returns a channel receiving status transitions. The channel is
// buffered; a slow subscriber drops its oldest notifications rather than
// blocking the probe loop.
func (m *Monitor) Subscribe() <-chan Transition {
	ch := make(chan Transition, 16)
	m.mu.Lock()
	m.events = append(m.events, ch)
	m.mu.Unlock()
	return ch
}

// ProbeOnce runs one probe round across all shards. Exposed so tests and
// callers can drive rounds without the ticker.
func (m *Monitor) ProbeOnce(ctx context.Context) {
	for _, id := range m.shards {
		if ctx.Err() != nil {
			return
		}
		report := m.probe.Probe(ctx, id)
		m.observe(id, report)
	}
}

// observe feeds one probe result through the hysteresis state machine.
func (m *Monitor) observe(id shard.ID, report Report) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.state[id]
	if h == nil {
		return
	}
	h.lastReport = report
	now := time.Now()

	if report.Status == Healthy && report.Err == nil {
		h.consecutiveSuccesses++
		h.consecutiveFailures = 0
		if h.status == Unhealthy && h.consecutiveSuccesses >= m.opts.HealthyThreshold && m.cooledDown(h, now) {
			m.transition(id, h, Healthy, now)
		}
		return
	}

	h.consecutiveFailures++
	h.consecutiveSuccesses = 0
	if h.status == Healthy && h.consecutiveFailures >= m.opts.UnhealthyThreshold && m.cooledDown(h, now) {
		m.transition(id, h, Unhealthy, now)
	}
}

func (m *Monitor) cooledDown(h *shardHealth, now time.Time) bool {
	return m.opts.Cooldown <= 0 || h.lastTransition.IsZero() || now.Sub(h.lastTransition) >= m.opts.Cooldown
}

// transition flips the shard's status, resets counters and notifies
// subscribers. Caller holds the lock.
func (m *Monitor) transition(id shard.ID, h *shardHealth, to Status, now time.Time) {
	from := h.status
	h.status = to
	h.consecutiveFailures = 0
	h.consecutiveSuccesses = 0
	h.lastTransition = now
	log.Infow("shard health transition", "shard", id, "from", from, "to", to, "probe", h.lastReport.Description)

	ev := Transition{Shard: id, From: from, To: to, LastReport: h.lastReport, At: now}
	for _, ch := range m.events {
		select {
		case ch <- ev:
		default:
			// drop the oldest, then retry once so the latest event wins.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Status returns a shard's current classification. Unknown shards report
// Unhealthy.
func (m *Monitor) Status(id shard.ID) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.state[id]
	if !ok {
		return Unhealthy
	}
	return h.status
}

// LastReport returns the most recent probe report for a shard.
func (m *Monitor) LastReport(id shard.ID) (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.state[id]
	if !ok {
		return Report{}, false
	}
	return h.lastReport, true
}

// Snapshot returns the current status of every monitored shard.
func (m *Monitor) Snapshot() map[shard.ID]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[shard.ID]Status, len(m.state))
	for id, h := range m.state {
		out[id] = h.status
	}
	return out
}
