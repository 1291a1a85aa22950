package zone

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Loader produces the visibility table of a street branch. The Client Agent
// loads branches lazily, the first time a client enters a street in one.
type Loader interface {
	LoadBranch(branch uint32) (VisStore, error)
}

// FileLoader reads one JSON file per branch from a directory. The file
// <dir>/<branch>.json maps decimal zone ids to visible-zone arrays:
//
//	{"2100": [2100, 2101], "2101": [2101, 2100, 2102]}
type FileLoader struct {
	Dir string
}

func (l FileLoader) LoadBranch(branch uint32) (VisStore, error) {
	path := filepath.Join(l.Dir, fmt.Sprintf("%d.json", branch))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("zone: branch %d: %w", branch, err)
	}
	var raw map[string][]uint32
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("zone: branch %d: %w", branch, err)
	}
	store := make(VisStore, len(raw))
	for k, v := range raw {
		z, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("zone: branch %d: bad zone key %q", branch, k)
		}
		store[uint32(z)] = v
	}
	return store, nil
}

// StaticLoader serves preloaded tables, branch -> store. Missing branches
// resolve to an empty store so a street with no file still yields its own
// zone, branch, and the quiet zone as interest.
type StaticLoader map[uint32]VisStore

func (l StaticLoader) LoadBranch(branch uint32) (VisStore, error) {
	if s, ok := l[branch]; ok {
		return s, nil
	}
	return VisStore{}, nil
}
