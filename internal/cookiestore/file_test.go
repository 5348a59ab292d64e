package cookiestore

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/netstore/core"
	"github.com/meigma/netstore/internal/cookies"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testCookie(name, domain string, persistent bool) *core.CanonicalCookie {
	c := &core.CanonicalCookie{
		Name:       name,
		Value:      "v-" + name,
		Domain:     domain,
		Path:       "/",
		Creation:   testEpoch,
		LastAccess: testEpoch,
		Priority:   core.PriorityMedium,
	}
	if persistent {
		c.Expiry = testEpoch.Add(365 * 24 * time.Hour)
	}
	return c
}

// load runs Load and waits for the callback.
func load(t *testing.T, s *Store) []*core.CanonicalCookie {
	t.Helper()
	ch := make(chan []*core.CanonicalCookie, 1)
	s.Load(func(cs []*core.CanonicalCookie) { ch <- cs })
	select {
	case cs := <-ch:
		return cs
	case <-time.After(5 * time.Second):
		t.Fatal("load did not complete")
		return nil
	}
}

func loadKey(t *testing.T, s *Store, key string) []*core.CanonicalCookie {
	t.Helper()
	ch := make(chan []*core.CanonicalCookie, 1)
	s.LoadCookiesForKey(key, func(cs []*core.CanonicalCookie) { ch <- cs })
	select {
	case cs := <-ch:
		return cs
	case <-time.After(5 * time.Second):
		t.Fatal("keyed load did not complete")
		return nil
	}
}

func flush(t *testing.T, s *Store) {
	t.Helper()
	done := make(chan struct{})
	s.Flush(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("flush did not complete")
	}
}

func cookieNames(cs []*core.CanonicalCookie) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name
	}
	sort.Strings(out)
	return out
}

func newTestFileStore(t *testing.T, path string, opts Options) *Store {
	t.Helper()
	s, err := NewFileStore(path, opts)
	require.NoError(t, err)
	return s
}

func TestFileStore_RoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cookies", "jar.zst")

	s := newTestFileStore(t, path, Options{})
	assert.Empty(t, load(t, s))

	s.AddCookie(testCookie("a", "a.com", true))
	s.AddCookie(testCookie("b", "www.b.com", true))
	s.AddCookie(testCookie("c", ".b.com", true))
	s.AddCookie(testCookie("gone", "a.com", true))
	s.DeleteCookie(testCookie("gone", "a.com", true))

	touched := testCookie("a", "a.com", true)
	touched.LastAccess = testEpoch.Add(time.Hour)
	s.UpdateCookieAccessTime(touched)
	flush(t, s)
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x28, 0xb5, 0x2f, 0xfd}, raw[:4], "zstd frame magic")

	reopened := newTestFileStore(t, path, Options{})
	defer reopened.Close()

	all := load(t, reopened)
	assert.Equal(t, []string{"a", "b", "c"}, cookieNames(all))
	for _, c := range all {
		if c.Name == "a" {
			assert.True(t, c.LastAccess.Equal(testEpoch.Add(time.Hour)))
		}
	}
	assert.Equal(t, []string{"b", "c"}, cookieNames(loadKey(t, reopened, "b.com")))
	assert.Empty(t, loadKey(t, reopened, "c.com"))
}

func TestFileStore_SessionCookies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		forceKeep bool
		restore   bool
		want      []string
	}{
		{name: "purged on close", want: []string{"p"}},
		{name: "kept but not restored", forceKeep: true, want: []string{"p"}},
		{name: "kept and restored", forceKeep: true, restore: true, want: []string{"p", "s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "jar.zst")

			s := newTestFileStore(t, path, Options{})
			s.AddCookie(testCookie("p", "x.com", true))
			s.AddCookie(testCookie("s", "x.com", false))
			if tt.forceKeep {
				s.SetForceKeepSessionState()
			}
			require.NoError(t, s.Close())

			reopened := newTestFileStore(t, path, Options{RestoreSessionCookies: tt.restore})
			defer reopened.Close()
			assert.Equal(t, tt.want, cookieNames(load(t, reopened)))
		})
	}
}

func TestFileStore_CorruptFileIsReplaced(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jar.zst")
	require.NoError(t, os.WriteFile(path, []byte("not zstd at all"), 0o600))

	s := newTestFileStore(t, path, Options{})
	assert.Empty(t, load(t, s))

	s.AddCookie(testCookie("a", "a.com", true))
	require.NoError(t, s.Close())

	reopened := newTestFileStore(t, path, Options{})
	defer reopened.Close()
	assert.Equal(t, []string{"a"}, cookieNames(load(t, reopened)))
}

func TestFileBackend_UnreadableFileIsNotOverwritten(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jar.zst")
	// A directory opens but cannot be read as a file.
	require.NoError(t, os.Mkdir(path, 0o700))

	var opts Options
	opts.applyDefaults()
	b := &fileBackend{path: path, domainKey: opts.DomainKey}

	_, err := b.loadAll(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrFormatInvalid)
	assert.Nil(t, b.cookies)

	err = b.commit(ctx, []op{{kind: opAdd, cookie: testCookie("b", "b.com", true)}})
	require.Error(t, err)
	assert.Nil(t, b.cookies)

	// Once the file is readable its cookies are kept alongside new ones.
	require.NoError(t, os.Remove(path))
	seed := &fileBackend{path: path, domainKey: b.domainKey}
	require.NoError(t, seed.commit(ctx, []op{{kind: opAdd, cookie: testCookie("a", "a.com", true)}}))

	require.NoError(t, b.commit(ctx, []op{{kind: opAdd, cookie: testCookie("b", "b.com", true)}}))
	all, err := b.loadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, cookieNames(all))
}

func TestFileStore_WritesAfterCloseAreIgnored(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jar.zst")

	s := newTestFileStore(t, path, Options{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	s.AddCookie(testCookie("a", "a.com", true))

	reopened := newTestFileStore(t, path, Options{})
	defer reopened.Close()
	assert.Empty(t, load(t, reopened))
}

func TestNewFileStore_RejectsEmptyPath(t *testing.T) {
	t.Parallel()
	_, err := NewFileStore("", Options{})
	require.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestFileStore_BacksCookieJar(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jar.zst")
	source, err := url.Parse("https://www.example.com/")
	require.NoError(t, err)

	store := newTestFileStore(t, path, Options{})
	jar := cookies.New(store, cookies.Options{})

	persistent := &core.CanonicalCookie{
		Name:   "sid",
		Value:  "1",
		Domain: ".example.com",
		Path:   "/",
		Expiry: time.Now().Add(time.Hour),
		Secure: true,
	}
	ok, err := jar.SetCanonicalCookie(ctx, persistent, source, core.CookieOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = jar.SetCanonicalCookie(ctx, &core.CanonicalCookie{Name: "tmp", Value: "1", Domain: "www.example.com", Path: "/"}, source, core.CookieOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, jar.Flush(ctx))
	jar.Close()
	require.NoError(t, store.Close())

	store2 := newTestFileStore(t, path, Options{})
	defer store2.Close()
	jar2 := cookies.New(store2, cookies.Options{})
	defer jar2.Close()

	got, err := jar2.GetCookieListWithOptions(ctx, source, core.CookieOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sid", got[0].Name)
}
