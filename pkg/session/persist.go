package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// persistVersion is the version header written as the first line of a
// persisted-state stream; readers reject any other version outright
// rather than guess at a compatible subset.
const persistVersion = "nnd-state v1"

// PersistedState is nnd's per-project state: a small self-delimited
// key-value stream (not YAML/JSON, per spec: "self-delimited key-value
// stream with versioning; unknown keys preserved on rewrite"), grounded on
// the general shape of cucaracha's `mc` program-file format's length-
// prefixed record design. Each record is:
//
//	key\tlen\n
//	<len bytes>\n
//
// followed by a trailing newline, and the whole stream begins with the
// version header line. Keys this version of nnd doesn't recognize are
// kept as opaque byte blobs and rewritten unchanged, so a newer nnd's
// state file surviving a round-trip through an older one doesn't lose
// data.
type PersistedState struct {
	values map[string][]byte
}

// NewPersistedState returns an empty state ready to be populated and
// written.
func NewPersistedState() *PersistedState {
	return &PersistedState{values: make(map[string][]byte)}
}

// LoadPersistedState parses a state stream previously written by Write.
func LoadPersistedState(r io.Reader) (*PersistedState, error) {
	br := bufio.NewReader(r)

	header, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("session: read state header: %w", err)
	}
	header = strings.TrimRight(header, "\n")
	if header != persistVersion {
		return nil, fmt.Errorf("session: unsupported state version %q", header)
	}

	ps := NewPersistedState()
	for {
		keyLine, err := br.ReadString('\n')
		if err == io.EOF && strings.TrimSpace(keyLine) == "" {
			break
		}
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("session: read record header: %w", err)
		}
		keyLine = strings.TrimRight(keyLine, "\n")
		if keyLine == "" {
			break
		}

		tab := strings.LastIndexByte(keyLine, '\t')
		if tab < 0 {
			return nil, fmt.Errorf("session: malformed record header %q", keyLine)
		}
		key := keyLine[:tab]
		n, convErr := strconv.Atoi(keyLine[tab+1:])
		if convErr != nil {
			return nil, fmt.Errorf("session: malformed record length in %q: %w", keyLine, convErr)
		}

		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("session: read %d-byte value for %q: %w", n, key, err)
		}
		// consume the trailing newline after the value
		if _, err := br.ReadString('\n'); err != nil && err != io.EOF {
			return nil, fmt.Errorf("session: read record trailer for %q: %w", key, err)
		}

		ps.values[key] = buf
	}
	return ps, nil
}

// Write serializes the state stream: the version header, then every
// record in sorted key order for a deterministic byte-for-byte diffable
// file across saves.
func (ps *PersistedState) Write(w io.Writer) error {
	if _, err := fmt.Fprintln(w, persistVersion); err != nil {
		return err
	}

	keys := make([]string, 0, len(ps.values))
	for k := range ps.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := ps.values[k]
		if _, err := fmt.Fprintf(w, "%s\t%d\n", k, len(v)); err != nil {
			return err
		}
		if _, err := w.Write(v); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the raw bytes stored under key.
func (ps *PersistedState) Get(key string) ([]byte, bool) {
	v, ok := ps.values[key]
	return v, ok
}

// Set stores raw bytes under key, overwriting any previous value.
func (ps *PersistedState) Set(key string, value []byte) {
	ps.values[key] = value
}

// Delete removes key, if present.
func (ps *PersistedState) Delete(key string) {
	delete(ps.values, key)
}

// Keys returns every key currently stored, including ones this version of
// nnd never interprets but preserves on rewrite.
func (ps *PersistedState) Keys() []string {
	keys := make([]string, 0, len(ps.values))
	for k := range ps.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetJSON is a convenience wrapper storing v's JSON encoding under key,
// used for the structured records (breakpoint list, binary load list)
// nnd itself reads back.
func (ps *PersistedState) SetJSON(key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: encode %q: %w", key, err)
	}
	ps.values[key] = b
	return nil
}

// GetJSON decodes the value stored under key into v. Returns ok=false
// without error if key is absent.
func (ps *PersistedState) GetJSON(key string, v interface{}) (ok bool, err error) {
	raw, present := ps.values[key]
	if !present {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("session: decode %q: %w", key, err)
	}
	return true, nil
}
