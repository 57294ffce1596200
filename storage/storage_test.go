package storage

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftnet/weft/state"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(nil) })
	env := &state.Env{
		Context: ctx,
		Cancel:  cancel,
		Log:     slog.New(slog.DiscardHandler),
		Now:     time.Now,
	}
	env.Cfg.StoragePrefix = t.TempDir()
	return NewStore(env)
}

func TestStoreRoundTrip(t *testing.T) {
	st := testStore(t)

	w := st.NewWriter("network-keys")
	w.SetBytes("eui64", []byte{0x2c, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77})
	w.Blank()
	w.Set("gtk.active_slot", 2)
	w.Comment(" For information:")
	w.Comment("gtk.expire_offset_s = %d", 3600)
	w.Blank()
	w.SetBytes("gtk[0]", []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16})
	w.Set("gtk[0].frame_counter", uint32(4242))
	require.NoError(t, w.Commit(true))

	entries, err := st.Load("network-keys")
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, "eui64", entries[0].Pattern)
	assert.Equal(t, -1, entries[0].Index)
	b, err := entries[0].Bytes(8)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x2c, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77}, b)

	assert.Equal(t, "gtk.active_slot", entries[1].Pattern)
	slot, err := entries[1].Uint(8)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), slot)

	assert.Equal(t, "gtk[*]", entries[2].Pattern)
	assert.Equal(t, 0, entries[2].Index)
	key, err := entries[2].Bytes(16)
	require.NoError(t, err)
	assert.Equal(t, byte(16), key[15])

	assert.Equal(t, "gtk[*].frame_counter", entries[3].Pattern)
	fc, err := entries[3].Uint(32)
	require.NoError(t, err)
	assert.Equal(t, uint64(4242), fc)
}

func TestStoreRewrite(t *testing.T) {
	st := testStore(t)

	w := st.NewWriter("network-config")
	w.Set("network_name", "wan0")
	w.Set("pan_id", "0xcafe")
	require.NoError(t, w.Commit(false))

	// A rewrite replaces the whole file rather than appending.
	w = st.NewWriter("network-config")
	w.Set("network_name", "wan0")
	require.NoError(t, w.Commit(false))

	entries, err := st.Load("network-config")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "network_name", entries[0].Pattern)
	assert.Equal(t, "wan0", entries[0].Value)
}

func TestStoreHexValue(t *testing.T) {
	st := testStore(t)

	w := st.NewWriter("network-config")
	w.Set("pan_id", "0xcafe")
	require.NoError(t, w.Commit(false))

	entries, err := st.Load("network-config")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	panId, err := entries[0].Uint(16)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xcafe), panId)
}

func TestStoreSkipsInvalidLines(t *testing.T) {
	st := testStore(t)
	content := "pan_id = 0x1234\n" +
		"not a line\n" +
		"bad key[] = 1\n" +
		"gtk[-1] = aa\n" +
		"\n" +
		"# full line comment\n" +
		"network_name = wan0 # trailing comment\n"
	require.NoError(t, os.WriteFile(st.path("network-config"), []byte(content), 0o600))

	entries, err := st.Load("network-config")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "pan_id", entries[0].Pattern)
	assert.Equal(t, "network_name", entries[1].Pattern)
	assert.Equal(t, "wan0", entries[1].Value)
}

func TestStoreMissingFile(t *testing.T) {
	st := testStore(t)
	_, err := st.Load("network-keys")
	assert.True(t, os.IsNotExist(err))
}

func TestStoreDeleteList(t *testing.T) {
	st := testStore(t)

	for _, name := range []string{"supp-aa:bb", "supp-cc:dd", "network-keys"} {
		w := st.NewWriter(name)
		w.Set("gtkl", 1)
		require.NoError(t, w.Commit(false))
	}
	assert.ElementsMatch(t, []string{"supp-aa:bb", "supp-cc:dd"}, st.List("supp-*"))

	st.Delete("supp-aa:bb", "never-existed")
	assert.Equal(t, []string{"supp-cc:dd"}, st.List("supp-*"))

	st.Delete("network-keys")
	_, err := st.Load("network-keys")
	assert.True(t, os.IsNotExist(err))
}

func TestStoreBadValues(t *testing.T) {
	st := testStore(t)
	require.NoError(t, os.WriteFile(st.path("network-keys"),
		[]byte("eui64 = aa:bb:cc\npmk = zz:zz\n"), 0o600))

	entries, err := st.Load("network-keys")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	_, err = entries[0].Bytes(8)
	assert.ErrorContains(t, err, "expected 8 bytes")
	_, err = entries[1].Bytes(2)
	assert.ErrorContains(t, err, "invalid byte")
}
