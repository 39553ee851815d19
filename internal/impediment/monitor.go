package impediment

import (
	"context"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-spv/internal/log"
)

// Probe reports whether its impediment is currently present.
type Probe interface {
	Impediment() Impediment
	Active(ctx context.Context) (bool, error)
}

// ProbeFunc adapts a function to a Probe.
type ProbeFunc struct {
	Kind Impediment
	Fn   func(ctx context.Context) (bool, error)
}

func (p ProbeFunc) Impediment() Impediment                   { return p.Kind }
func (p ProbeFunc) Active(ctx context.Context) (bool, error) { return p.Fn(ctx) }

// Monitor polls probes and pushes every change of the impediment set to
// its callback. Impediments forced with Set are merged with probe results.
type Monitor struct {
	interval time.Duration
	probes   []Probe
	onChange func(Set)

	mu      sync.Mutex
	forced  Set
	last    Set
	started bool
	kick    chan struct{}
}

// NewMonitor creates a monitor. onChange runs on the monitor goroutine.
func NewMonitor(interval time.Duration, onChange func(Set), probes ...Probe) *Monitor {
	return &Monitor{
		interval: interval,
		probes:   probes,
		onChange: onChange,
		kick:     make(chan struct{}, 1),
	}
}

// Set forces impediment i on or off and schedules a re-evaluation.
func (m *Monitor) Set(i Impediment, active bool) {
	m.mu.Lock()
	if active {
		m.forced = m.forced.With(i)
	} else {
		m.forced = m.forced.Without(i)
	}
	m.mu.Unlock()
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Current returns the last set delivered to the callback.
func (m *Monitor) Current() Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Poll evaluates every probe once and delivers the set when it changed
// (always on the first poll). Probe errors are logged and count as absent.
func (m *Monitor) Poll(ctx context.Context) Set {
	var found []Impediment
	for _, p := range m.probes {
		active, err := p.Active(ctx)
		if err != nil {
			log.Sync.Warn().Err(err).Str("probe", string(p.Impediment())).Msg("Impediment probe failed")
			continue
		}
		if active {
			found = append(found, p.Impediment())
		}
	}

	m.mu.Lock()
	set := NewSet(found...).Union(m.forced)
	changed := !m.started || !set.Equal(m.last)
	m.started = true
	m.last = set
	m.mu.Unlock()

	if changed {
		log.Sync.Debug().Stringer("impediments", set).Msg("Impediments changed")
		if m.onChange != nil {
			m.onChange(set)
		}
	}
	return set
}

// Run polls until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-m.kick:
		}
		m.Poll(ctx)
	}
}
