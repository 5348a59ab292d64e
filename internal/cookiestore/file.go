package cookiestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/natefinch/atomic"

	"github.com/meigma/netstore/core"
	"github.com/meigma/netstore/internal/contracts"
)

const fileFormatVersion = 1

// fileDocument is the decompressed contents of a cookie file.
type fileDocument struct {
	Version int                    `json:"version"`
	Cookies []core.CanonicalCookie `json:"cookies"`
}

// NewFileStore returns a Store persisting to a zstd-compressed JSON file at
// path. The file is replaced atomically on each commit.
func NewFileStore(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty cookie file path", core.ErrInvalidArgument)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create cookie directory: %w", err)
	}
	opts.applyDefaults()
	return newStore(&fileBackend{path: path, domainKey: opts.DomainKey}, opts), nil
}

type fileBackend struct {
	path      string
	domainKey contracts.DomainKeyFunc

	mu      sync.Mutex
	cookies map[identity]*core.CanonicalCookie
}

// ensureLoaded reads the file on first use. A missing file is empty. A corrupt
// one is reported and treated as empty so the next commit replaces it. Any
// other read failure leaves the store unloaded so nothing overwrites the file.
func (f *fileBackend) ensureLoaded() error {
	if f.cookies != nil {
		return nil
	}
	f.cookies = make(map[identity]*core.CanonicalCookie)

	doc, err := readCookieFile(f.path)
	if err != nil {
		if !errors.Is(err, core.ErrFormatInvalid) {
			f.cookies = nil
		}
		return err
	}
	for i := range doc.Cookies {
		c := doc.Cookies[i]
		f.cookies[identityOf(&c)] = &c
	}
	return nil
}

func readCookieFile(path string) (*fileDocument, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &fileDocument{Version: fileFormatVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cookie file: %w", err)
	}

	dec, err := zstd.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrFormatInvalid, err)
	}
	defer dec.Close()

	var doc fileDocument
	if err := json.NewDecoder(dec).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode cookie file: %v", core.ErrFormatInvalid, err)
	}
	if doc.Version != fileFormatVersion {
		return nil, fmt.Errorf("%w: cookie file version %d", core.ErrFormatInvalid, doc.Version)
	}
	return &doc, nil
}

func (f *fileBackend) snapshot(match func(*core.CanonicalCookie) bool) []*core.CanonicalCookie {
	var out []*core.CanonicalCookie
	for _, c := range f.cookies {
		if match == nil || match(c) {
			out = append(out, c.Clone())
		}
	}
	return out
}

func (f *fileBackend) loadAll(context.Context) ([]*core.CanonicalCookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoaded(); err != nil {
		return nil, err
	}
	return f.snapshot(nil), nil
}

func (f *fileBackend) loadKey(_ context.Context, key string) ([]*core.CanonicalCookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoaded(); err != nil {
		return nil, err
	}
	return f.snapshot(func(c *core.CanonicalCookie) bool {
		return f.domainKey(c.DomainWithoutDot()) == key
	}), nil
}

func (f *fileBackend) commit(_ context.Context, ops []op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// A corrupt file is replaced by whatever this commit leaves.
	if err := f.ensureLoaded(); err != nil && !errors.Is(err, core.ErrFormatInvalid) {
		return err
	}

	for _, o := range ops {
		id := identityOf(o.cookie)
		switch o.kind {
		case opAdd:
			f.cookies[id] = o.cookie
		case opUpdateAccess:
			if cur, ok := f.cookies[id]; ok {
				cur.LastAccess = o.cookie.LastAccess
			}
		case opDelete:
			delete(f.cookies, id)
		}
	}
	return f.write()
}

func (f *fileBackend) purgeSession(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoaded(); err != nil && !errors.Is(err, core.ErrFormatInvalid) {
		return err
	}
	n := 0
	for id, c := range f.cookies {
		if !c.IsPersistent() {
			delete(f.cookies, id)
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return f.write()
}

// write replaces the file with the current contents. Caller must hold f.mu.
func (f *fileBackend) write() error {
	doc := fileDocument{Version: fileFormatVersion, Cookies: make([]core.CanonicalCookie, 0, len(f.cookies))}
	for _, c := range f.cookies {
		doc.Cookies = append(doc.Cookies, *c)
	}
	sort.Slice(doc.Cookies, func(i, j int) bool {
		return doc.Cookies[i].Creation.Before(doc.Cookies[j].Creation)
	})

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(enc).Encode(&doc); err != nil {
		enc.Close()
		return fmt.Errorf("encode cookie file: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("compress cookie file: %w", err)
	}
	if err := atomic.WriteFile(f.path, &buf); err != nil {
		return fmt.Errorf("%w: write cookie file: %v", core.ErrIO, err)
	}
	return nil
}

func (f *fileBackend) close() error { return nil }
