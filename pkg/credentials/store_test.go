package credentials

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "credentials.json"))
	require.NoError(t, err)
	return store
}

func TestColdStartCreatesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store, err := NewStore(path)
	require.NoError(t, err)

	// The empty mapping is materialized on disk immediately, 0600.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Empty(t, raw)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	creds, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, creds)

	_, err = store.Get("anything")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewStoreKeepsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	first, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, first.Put("acct", Credential{Refresh: "rt", Access: "at"}))

	second, err := NewStore(path)
	require.NoError(t, err)
	got, err := second.Get("acct")
	require.NoError(t, err)
	assert.Equal(t, "rt", got.Refresh)
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)

	want := Credential{
		Type:    "oauth",
		Refresh: "rt_abc",
		Access:  "at_def",
		Expires: time.Now().Add(time.Hour).UnixMilli(),
	}
	require.NoError(t, store.Put("claude-max-1", want))

	got, err := store.Get("claude-max-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPutDefaultsType(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put("acct", Credential{Refresh: "rt", Access: "at"}))

	got, err := store.Get("acct")
	require.NoError(t, err)
	assert.Equal(t, "oauth", got.Type)
}

func TestPutReplacesExisting(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put("acct", Credential{Refresh: "rt_old", Access: "at_old"}))
	require.NoError(t, store.Put("acct", Credential{Refresh: "rt_new", Access: "at_new"}))

	got, err := store.Get("acct")
	require.NoError(t, err)
	assert.Equal(t, "rt_new", got.Refresh)
	assert.Equal(t, "at_new", got.Access)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put("acct", Credential{Refresh: "rt", Access: "at"}))

	require.NoError(t, store.Delete("acct"))
	_, err := store.Get("acct")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again (and deleting something never stored) succeeds.
	require.NoError(t, store.Delete("acct"))
	require.NoError(t, store.Delete("never-existed"))
}

func TestIDsSorted(t *testing.T) {
	store := newTestStore(t)
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		require.NoError(t, store.Put(id, Credential{Refresh: "rt", Access: "at"}))
	}

	ids, err := store.IDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, ids)
}

func TestOnDiskFormat(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put("claude-max-1712345678", Credential{
		Refresh: "rt_x",
		Access:  "at_y",
		Expires: 1712349278000,
	}))

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	entry := raw["claude-max-1712345678"]
	require.NotNil(t, entry)
	assert.Equal(t, "oauth", entry["type"])
	assert.Equal(t, "rt_x", entry["refresh"])
	assert.Equal(t, "at_y", entry["access"])
	assert.Equal(t, float64(1712349278000), entry["expires"])

	// Pretty-printed, for hand editing.
	assert.Contains(t, string(data), "\n  ")
}

func TestFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	store := newTestStore(t)
	require.NoError(t, store.Put("acct", Credential{Refresh: "rt", Access: "at"}))

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCorruptFileFailsOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewStore(path)
	assert.Error(t, err)
}

func TestCorruptFileSurfacesError(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0o600))

	_, err := store.List()
	assert.Error(t, err)
	_, err = store.Get("acct")
	assert.Error(t, err)
}

func TestConcurrentWrites(t *testing.T) {
	store := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			assert.NoError(t, store.Put(id, Credential{Refresh: "rt", Access: "at"}))
		}(i)
	}
	wg.Wait()

	ids, err := store.IDs()
	require.NoError(t, err)
	assert.Len(t, ids, 8)
}

func TestUpdateTokenRequiresExistingID(t *testing.T) {
	store := newTestStore(t)

	err := store.UpdateToken("never-added", Credential{Refresh: "rt", Access: "at"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get("never-added")
	assert.ErrorIs(t, err, ErrNotFound, "failed update must not create the entry")

	require.NoError(t, store.Put("acct", Credential{Refresh: "rt_old", Access: "at_old"}))
	require.NoError(t, store.UpdateToken("acct", Credential{Refresh: "rt_new", Access: "at_new"}))
	got, err := store.Get("acct")
	require.NoError(t, err)
	assert.Equal(t, "rt_new", got.Refresh)
	assert.Equal(t, "oauth", got.Type)
}

func TestUpdateTokenAfterDelete(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put("acct", Credential{Refresh: "rt", Access: "at"}))
	require.NoError(t, store.Delete("acct"))

	err := store.UpdateToken("acct", Credential{Refresh: "rt2", Access: "at2"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get("acct")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpiresWithin(t *testing.T) {
	fresh := Credential{Expires: time.Now().Add(time.Hour).UnixMilli()}
	assert.False(t, fresh.ExpiresWithin(time.Minute))
	assert.True(t, fresh.ExpiresWithin(2*time.Hour))

	expired := Credential{Expires: time.Now().Add(-time.Minute).UnixMilli()}
	assert.True(t, expired.ExpiresWithin(0))

	// The window boundary is inclusive.
	now := time.UnixMilli(1_712_349_278_000)
	boundary := Credential{Expires: now.Add(time.Minute).UnixMilli()}
	assert.True(t, boundary.expiresWithin(now, time.Minute))
	assert.False(t, boundary.expiresWithin(now, time.Minute-time.Millisecond))
}
