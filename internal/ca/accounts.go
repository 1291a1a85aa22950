// Package ca implements the Client Agent: the public gateway that terminates
// untrusted client connections, authenticates them, orchestrates account and
// avatar lifecycle against the database, and filters State Server fan-out
// through per-client interest sets.
package ca

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// AccountStore maps login tokens to account ids, persisted as a single
// append-only file, one "token<TAB>id" record per line. The file is synced
// after every append; on load, the last record for a token wins.
type AccountStore struct {
	path string
	f    *os.File
	m    map[string]uint32
}

// OpenAccountStore opens or creates the store at path and loads it.
func OpenAccountStore(path string) (*AccountStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ca: open account store: %w", err)
	}
	s := &AccountStore{path: path, f: f, m: make(map[string]uint32)}

	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		token, idText, ok := strings.Cut(text, "\t")
		if !ok {
			f.Close()
			return nil, fmt.Errorf("ca: account store %s line %d: malformed record", path, line)
		}
		id, err := strconv.ParseUint(idText, 10, 32)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("ca: account store %s line %d: %w", path, line, err)
		}
		s.m[token] = uint32(id)
	}
	if err := sc.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("ca: account store %s: %w", path, err)
	}
	return s, nil
}

// Lookup resolves a token to its account id.
func (s *AccountStore) Lookup(token string) (uint32, bool) {
	id, ok := s.m[token]
	return id, ok
}

// Put records a token mapping and syncs it to disk.
func (s *AccountStore) Put(token string, id uint32) error {
	if _, err := fmt.Fprintf(s.f, "%s\t%d\n", token, id); err != nil {
		return fmt.Errorf("ca: account store append: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("ca: account store sync: %w", err)
	}
	s.m[token] = id
	return nil
}

// Len reports how many tokens are stored.
func (s *AccountStore) Len() int { return len(s.m) }

// Close releases the backing file.
func (s *AccountStore) Close() error { return s.f.Close() }
