package impediment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	var zero Set
	assert.True(t, zero.Empty())
	assert.Equal(t, "{}", zero.String())

	s := NewSet(NoNetwork, LowStorage, NoNetwork)
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Has(NoNetwork))
	assert.Equal(t, []Impediment{LowStorage, NoNetwork}, s.Items())
	assert.Equal(t, "{low_storage,no_network}", s.String())

	w := s.Without(NoNetwork)
	assert.True(t, s.Has(NoNetwork), "Without must not mutate")
	assert.True(t, w.Equal(NewSet(LowStorage)))
	assert.True(t, w.With(NoNetwork).Equal(s))
	assert.True(t, zero.Union(s).Equal(s))
	assert.False(t, s.Equal(zero))
	assert.True(t, zero.Equal(NewSet()))
}

type recorder struct {
	mu   sync.Mutex
	sets []Set
}

func (r *recorder) record(s Set) {
	r.mu.Lock()
	r.sets = append(r.sets, s)
	r.mu.Unlock()
}

func (r *recorder) all() []Set {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Set(nil), r.sets...)
}

func TestMonitor_PollDeliversChangesOnly(t *testing.T) {
	var active bool
	probe := ProbeFunc{Kind: NoNetwork, Fn: func(context.Context) (bool, error) { return active, nil }}
	rec := &recorder{}
	m := NewMonitor(time.Hour, rec.record, probe)
	ctx := context.Background()

	m.Poll(ctx) // first poll always delivers
	m.Poll(ctx)
	active = true
	m.Poll(ctx)
	m.Poll(ctx)
	active = false
	m.Poll(ctx)

	sets := rec.all()
	require.Len(t, sets, 3)
	assert.True(t, sets[0].Empty())
	assert.True(t, sets[1].Equal(NewSet(NoNetwork)))
	assert.True(t, sets[2].Empty())
	assert.True(t, m.Current().Empty())
}

func TestMonitor_ProbeErrorCountsAbsent(t *testing.T) {
	probe := ProbeFunc{Kind: LowStorage, Fn: func(context.Context) (bool, error) { return true, errors.New("statfs") }}
	m := NewMonitor(time.Hour, nil, probe)
	assert.True(t, m.Poll(context.Background()).Empty())
}

func TestMonitor_ForcedAndRun(t *testing.T) {
	defer leaktest.Check(t)()

	rec := &recorder{}
	m := NewMonitor(time.Hour, rec.record)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	m.Set(Paused, true)
	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, rec.all()[1].Has(Paused))

	m.Set(Paused, false)
	require.Eventually(t, func() bool { return len(rec.all()) == 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, rec.all()[2].Empty())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestStorageProbe(t *testing.T) {
	dir := t.TempDir()
	active, err := StorageProbe(dir, 0).Active(context.Background())
	require.NoError(t, err)
	assert.False(t, active)

	active, err = StorageProbe(dir+"/not/yet/created", 1).Active(context.Background())
	require.NoError(t, err)
	assert.False(t, active)

	active, err = StorageProbe(dir, ^uint64(0)).Active(context.Background())
	require.NoError(t, err)
	assert.True(t, active)
}
