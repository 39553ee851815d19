package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingnet-spv/config"
	"github.com/Klingon-tech/klingnet-spv/internal/headerstore"
	"github.com/Klingon-tech/klingnet-spv/pkg/block"
)

func newTestChain(t *testing.T) (*HeaderChain, *headerstore.Store) {
	t.Helper()
	store, err := headerstore.NewMemory(config.ParamsFor(config.Regtest).Genesis())
	require.NoError(t, err)
	hc, err := New(store)
	require.NoError(t, err)
	return hc, store
}

func next(parent *block.Header) *block.Header {
	return &block.Header{
		Version:   1,
		PrevHash:  parent.Hash(),
		Timestamp: parent.Timestamp + 3,
		Height:    parent.Height + 1,
	}
}

func TestAdd_ExtendsTip(t *testing.T) {
	hc, store := newTestChain(t)
	assert.Equal(t, uint64(0), hc.BestHeight())

	h1 := next(hc.Tip())
	require.NoError(t, hc.Add(h1))
	h2 := next(h1)
	require.NoError(t, hc.Add(h2))

	assert.Equal(t, uint64(2), hc.BestHeight())
	head, err := store.Head()
	require.NoError(t, err)
	assert.Equal(t, h2.Hash(), head.Hash())

	// Re-adding the tip is accepted silently.
	require.NoError(t, hc.Add(h2))
	assert.Equal(t, uint64(2), hc.BestHeight())
}

func TestAdd_Rejects(t *testing.T) {
	hc, _ := newTestChain(t)
	gen := hc.Tip()

	orphan := next(next(gen))
	assert.ErrorIs(t, hc.Add(orphan), ErrOrphan)

	badHeight := next(gen)
	badHeight.Height = 5
	assert.ErrorIs(t, hc.Add(badHeight), ErrBadHeight)

	h1 := next(gen)
	require.NoError(t, hc.Add(h1))
	early := next(h1)
	early.Timestamp = h1.Timestamp - 1
	assert.ErrorIs(t, hc.Add(early), ErrTimeTravel)

	badVersion := next(h1)
	badVersion.Version = 9
	assert.ErrorIs(t, hc.Add(badVersion), block.ErrBadVersion)
}

func TestOnGrowth(t *testing.T) {
	hc, _ := newTestChain(t)
	var seen []uint64
	cancel := hc.OnGrowth(func(tip *block.Header) { seen = append(seen, tip.Height) })

	h1 := next(hc.Tip())
	require.NoError(t, hc.Add(h1))
	cancel()
	require.NoError(t, hc.Add(next(h1)))

	assert.Equal(t, []uint64{1}, seen)
}

func TestRecent(t *testing.T) {
	hc, _ := newTestChain(t)
	assert.Nil(t, hc.Recent(0))

	tip := hc.Tip()
	for i := 0; i < 5; i++ {
		tip = next(tip)
		require.NoError(t, hc.Add(tip))
	}

	recent := hc.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, uint64(5), recent[0].Height)
	assert.Equal(t, uint64(3), recent[2].Height)

	all := hc.Recent(100)
	require.Len(t, all, 6)
	assert.Equal(t, uint64(0), all[5].Height)
}

func TestContext_Factory(t *testing.T) {
	params := config.ParamsFor(config.Regtest)
	ctx := NewContext(params)
	assert.Nil(t, ctx.Current())
	assert.Equal(t, params, ctx.Params())

	store, err := headerstore.NewMemory(params.Genesis())
	require.NoError(t, err)
	hc, err := Factory(ctx, store)
	require.NoError(t, err)
	assert.Same(t, hc, ctx.Current())

	ctx.Publish(nil)
	assert.Nil(t, ctx.Current())
}

func TestFactory_EmptyStore(t *testing.T) {
	store, err := headerstore.NewMemory(nil)
	require.NoError(t, err)
	_, err = Factory(NewContext(config.ParamsFor(config.Regtest)), store)
	assert.ErrorIs(t, err, headerstore.ErrNoHead)
}
