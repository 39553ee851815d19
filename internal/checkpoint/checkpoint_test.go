package checkpoint

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingnet-spv/config"
	"github.com/Klingon-tech/klingnet-spv/internal/headerstore"
	"github.com/Klingon-tech/klingnet-spv/pkg/block"
)

var day = int64(24 * time.Hour / time.Second)

// headers returns checkpoints every 10 days starting at base.
func headers(base int64, n int) []*block.Header {
	out := make([]*block.Header, n)
	for i := range out {
		out[i] = &block.Header{
			Version:   1,
			Timestamp: uint64(base + int64(i)*10*day),
			Height:    uint64((i + 1) * 1000),
		}
	}
	return out
}

func bundle(t *testing.T, network string, hs []*block.Header) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, network, hs))
	return buf.Bytes()
}

func TestParse_RoundTrip(t *testing.T) {
	hs := headers(1_700_000_000, 4)
	b, err := Parse(bytes.NewReader(bundle(t, "net", hs)))
	require.NoError(t, err)
	assert.Equal(t, "net", b.NetworkID)
	require.Len(t, b.Headers, 4)
	for i := range hs {
		assert.Equal(t, hs[i].Hash(), b.Headers[i].Hash())
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := map[string]string{
		"bad magic":    "NOPE\nnet\n0\n",
		"bad count":    magic + "\nnet\nx\n",
		"bad hex":      magic + "\nnet\n1\nzz\n",
		"short header": magic + "\nnet\n1\nabcd\n",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(in))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}

	_, err := Parse(strings.NewReader(magic + "\nnet\n2\n"))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// Lines beyond the scanner buffer are a parse failure too.
	_, err = Parse(strings.NewReader(magic + "\nnet\n1\n" + strings.Repeat("a", 70_000)))
	assert.ErrorIs(t, err, ErrMalformed)
	assert.ErrorIs(t, err, bufio.ErrTooLong)

	hs := headers(1_700_000_000, 2)
	hs[0], hs[1] = hs[1], hs[0]
	_, err = Parse(bytes.NewReader(bundle(t, "net", hs)))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestSelect(t *testing.T) {
	base := int64(1_700_000_000)
	b := &Bundle{Headers: headers(base, 5)} // at base, +10d, +20d, +30d, +40d

	// Cutoff 7 days after the third checkpoint selects exactly it.
	cp := b.Select(time.Unix(base+20*day+7*day, 0))
	require.NotNil(t, cp)
	assert.Equal(t, uint64(3000), cp.Height)

	// One second earlier falls back to the second.
	cp = b.Select(time.Unix(base+20*day+7*day-1, 0))
	require.NotNil(t, cp)
	assert.Equal(t, uint64(2000), cp.Height)

	assert.Nil(t, b.Select(time.Unix(base, 0)))
}

func TestLoad_FastForwards(t *testing.T) {
	params := config.ParamsFor(config.Mainnet)
	store, err := headerstore.NewMemory(params.Genesis())
	require.NoError(t, err)

	base := int64(params.Genesis().Timestamp)
	data := bundle(t, params.NetworkID, headers(base, 5))
	cutoff := time.Unix(base+100*day, 0)

	cp, err := Load(params, bytes.NewReader(data), store, cutoff)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, uint64(5000), cp.Height)

	h, err := store.HeadHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), h)
}

func TestLoad_NothingBeforeCutoff(t *testing.T) {
	params := config.ParamsFor(config.Mainnet)
	store, err := headerstore.NewMemory(params.Genesis())
	require.NoError(t, err)

	base := int64(params.Genesis().Timestamp)
	cp, err := Load(params, bytes.NewReader(bundle(t, params.NetworkID, headers(base, 2))), store, time.Unix(base, 0))
	require.NoError(t, err)
	assert.Nil(t, cp)

	h, err := store.HeadHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), h)
}

func TestLoad_WrongNetwork(t *testing.T) {
	params := config.ParamsFor(config.Mainnet)
	store, err := headerstore.NewMemory(params.Genesis())
	require.NoError(t, err)
	data := bundle(t, config.ParamsFor(config.Testnet).NetworkID, headers(1, 1))
	_, err = Load(params, bytes.NewReader(data), store, time.Now())
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestLoadFile_Missing(t *testing.T) {
	params := config.ParamsFor(config.Mainnet)
	store, err := headerstore.NewMemory(params.Genesis())
	require.NoError(t, err)
	_, err = LoadFile(params, filepath.Join(t.TempDir(), "none.txt"), store, time.Now())
	var pathErr *fs.PathError
	assert.True(t, errors.As(err, &pathErr))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
