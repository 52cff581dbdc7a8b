package cache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docconv/internal/storage"
	logx "docconv/pkg/logx"
)

type brokenStore struct{ storage.Store }

var errDown = errors.New("connection refused")

func (brokenStore) Name() string { return "broken" }
func (brokenStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errDown
}
func (brokenStore) Set(context.Context, string, []byte, time.Duration) error { return errDown }
func (brokenStore) Count(context.Context, string) (int, error)              { return 0, errDown }
func (brokenStore) Close() error                                            { return nil }

func TestFingerprintIsStreamedSHA256(t *testing.T) {
	t.Parallel()

	fp, err := Fingerprint(strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", fp)
	assert.Equal(t, "ba7816bf8f01", Short(fp))
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := New(storage.NewMemory(), Options{TTL: time.Hour}, logx.Nop())
	_, ok := c.Get(ctx, "fp1")
	require.False(t, ok)

	require.True(t, c.Put(ctx, "fp1", Entry{Filename: "a.txt", Content: "hello", Size: 5, DurationMS: 40}))
	e, ok := c.Get(ctx, "fp1")
	require.True(t, ok)
	assert.Equal(t, "hello", e.Content)
	assert.Equal(t, "fp1", e.Fingerprint)
	assert.False(t, e.CachedAt.IsZero())

	// Overwrite wins.
	require.True(t, c.Put(ctx, "fp1", Entry{Filename: "b.txt", Content: "bye"}))
	e, _ = c.Get(ctx, "fp1")
	assert.Equal(t, "bye", e.Content)

	st := c.Stats(ctx)
	assert.True(t, st.Enabled)
	assert.Equal(t, "memory", st.Backend)
	assert.Equal(t, 1, st.Entries)
	assert.EqualValues(t, 2, st.Hits)
	assert.EqualValues(t, 1, st.Misses)
	assert.Equal(t, 1.0, st.TTLHours)
}

func TestBackendFailureDegradesToNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := New(brokenStore{}, Options{TTL: time.Hour}, logx.Nop())
	_, ok := c.Get(ctx, "fp")
	assert.False(t, ok)
	assert.False(t, c.Put(ctx, "fp", Entry{Content: "x"}))

	st := c.Stats(ctx)
	assert.EqualValues(t, 2, st.Errors)
	assert.NotEmpty(t, st.Error)
}

func TestDisabledCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := New(nil, Options{}, logx.Nop())
	assert.False(t, c.Enabled())
	assert.False(t, c.Put(ctx, "fp", Entry{}))
	_, ok := c.Get(ctx, "fp")
	assert.False(t, ok)
	_, err := c.Clear(ctx, "")
	assert.ErrorIs(t, err, storage.ErrDisabled)
	assert.False(t, c.Stats(ctx).Enabled)
}

func TestClearScopesToPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mem := storage.NewMemory()
	require.NoError(t, mem.Set(ctx, "unrelated", []byte("x"), 0))
	c := New(mem, Options{TTL: time.Hour}, logx.Nop())
	c.Put(ctx, "aa1", Entry{Content: "1"})
	c.Put(ctx, "aa2", Entry{Content: "2"})
	c.Put(ctx, "bb1", Entry{Content: "3"})

	n, err := c.Clear(ctx, "aa*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = c.Clear(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, _ := mem.Get(ctx, "unrelated")
	assert.True(t, ok)
}
