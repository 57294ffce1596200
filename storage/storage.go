// Package storage persists node state across restarts as flat key=value
// files under the configured storage prefix. The format is line based:
// one "key = value" per line, "#" starts a comment, array-valued keys
// carry a subscript ("gtk[0].frame_counter = 7"). Files are rewritten
// whole on every mutation.
package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/weftnet/weft/state"
)

type Store struct {
	env    *state.Env
	prefix string
}

func NewStore(env *state.Env) *Store {
	return &Store{env: env, prefix: env.Cfg.StoragePrefix}
}

// Enabled reports whether a storage prefix is configured. With no
// prefix every Load reports a missing file and every Commit is a no-op,
// so the node runs stateless.
func (st *Store) Enabled() bool {
	return st.prefix != ""
}

func (st *Store) path(name string) string {
	return filepath.Join(st.prefix, name)
}

// Entry is one parsed line. Pattern is the key with any array subscript
// replaced by "*" so callers can match against it; Index is the
// subscript, -1 when the key has none.
type Entry struct {
	Pattern string
	Index   int
	Value   string
}

// Bytes decodes a colon-separated hex value of exactly n bytes.
func (e Entry) Bytes(n int) ([]byte, error) {
	parts := strings.Split(e.Value, ":")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d bytes, got %d", n, len(parts))
	}
	buf := make([]byte, n)
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid byte %q", p)
		}
		buf[i] = byte(v)
	}
	return buf, nil
}

// Uint parses the value as an unsigned integer. A 0x prefix selects
// hexadecimal.
func (e Entry) Uint(bits int) (uint64, error) {
	return strconv.ParseUint(e.Value, 0, bits)
}

// "gtk[0].frame_counter" -> ("gtk[*].frame_counter", 0)
func splitKey(key string) (string, int, bool) {
	i := strings.IndexByte(key, '[')
	if i < 0 {
		return key, -1, !strings.ContainsAny(key, " \t]")
	}
	j := strings.IndexByte(key, ']')
	if j < i+2 {
		return "", 0, false
	}
	index, err := strconv.Atoi(key[i+1 : j])
	if err != nil || index < 0 {
		return "", 0, false
	}
	return key[:i+1] + "*" + key[j:], index, true
}

// Load parses one storage file. Unparsable lines are logged and skipped
// so one corrupt line cannot take the whole state down. A missing file
// surfaces as an os.IsNotExist error: the caller starts fresh.
func (st *Store) Load(name string) ([]Entry, error) {
	if !st.Enabled() {
		return nil, os.ErrNotExist
	}
	buf, err := os.ReadFile(st.path(name))
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for nr, line := range strings.Split(string(buf), "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			st.env.Log.Warn("storage: invalid line", "file", name, "line", nr+1, "text", line)
			continue
		}
		pattern, index, ok := splitKey(strings.TrimSpace(key))
		if !ok || pattern == "" {
			st.env.Log.Warn("storage: invalid key", "file", name, "line", nr+1, "text", line)
			continue
		}
		entries = append(entries, Entry{
			Pattern: pattern,
			Index:   index,
			Value:   strings.TrimSpace(value),
		})
	}
	return entries, nil
}

// Writer accumulates the new content of a storage file. Nothing touches
// the disk until Commit.
type Writer struct {
	store *Store
	name  string
	buf   bytes.Buffer
}

func (st *Store) NewWriter(name string) *Writer {
	return &Writer{store: st, name: name}
}

func (w *Writer) Set(key string, value any) {
	fmt.Fprintf(&w.buf, "%s = %v\n", key, value)
}

// SetBytes writes a byte-array value as colon-separated hex.
func (w *Writer) SetBytes(key string, b []byte) {
	w.buf.WriteString(key)
	w.buf.WriteString(" = ")
	for i, c := range b {
		if i > 0 {
			w.buf.WriteByte(':')
		}
		fmt.Fprintf(&w.buf, "%02x", c)
	}
	w.buf.WriteByte('\n')
}

func (w *Writer) Comment(format string, args ...any) {
	fmt.Fprintf(&w.buf, "#"+format+"\n", args...)
}

func (w *Writer) Blank() {
	w.buf.WriteByte('\n')
}

// Commit rewrites the file. sync forces the content to disk before
// returning, for mutations that must survive a crash (key material).
func (w *Writer) Commit(sync bool) error {
	if !w.store.Enabled() {
		return nil
	}
	if err := os.MkdirAll(w.store.prefix, 0o700); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	f, err := os.OpenFile(w.store.path(w.name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(w.buf.Bytes()); err != nil {
		return fmt.Errorf("storage: %s: %w", w.name, err)
	}
	if sync {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("storage: %s: %w", w.name, err)
		}
	}
	return nil
}

// Delete removes the named files, ignoring the ones already gone.
func (st *Store) Delete(names ...string) {
	if !st.Enabled() {
		return
	}
	for _, name := range names {
		if err := os.Remove(st.path(name)); err != nil && !os.IsNotExist(err) {
			st.env.Log.Warn("storage: delete", "file", name, "err", err)
		}
	}
}

// List returns the base names of the store files matching pattern.
func (st *Store) List(pattern string) []string {
	if !st.Enabled() {
		return nil
	}
	paths, err := filepath.Glob(filepath.Join(st.prefix, pattern))
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(paths))
	for _, p := range paths {
		names = append(names, filepath.Base(p))
	}
	return names
}
