// Package db implements the Database Server, the persistent store of
// objects with db-flagged fields, plus the request/response client interface
// the Client Agent consumes.
package db

import (
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"github.com/toonlabs/otpd/internal/dc"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record is one persisted object: class name, id, and named field values.
type Record struct {
	DClass string         `json:"dclass"`
	DoID   uint32         `json:"doId"`
	Fields map[string]any `json:"fields"`
}

type tracker struct {
	Next uint64 `json:"next"`
}

// FileBackend stores one file per object under a directory, filename the
// decimal doId plus a configurable extension, and a singleton tracker file
// recording the next free doId.
type FileBackend struct {
	dir     string
	ext     string
	tracker string
}

// NewFileBackend creates the directory if needed.
func NewFileBackend(dir, ext, trackerName string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("db: create directory %s: %w", dir, err)
	}
	return &FileBackend{dir: dir, ext: ext, tracker: trackerName}, nil
}

func (b *FileBackend) path(doID uint32) string {
	return filepath.Join(b.dir, fmt.Sprintf("%d.%s", doID, b.ext))
}

// Exists reports whether an object file is present.
func (b *FileBackend) Exists(doID uint32) bool {
	_, err := os.Stat(b.path(doID))
	return err == nil
}

// Load reads one object record.
func (b *FileBackend) Load(doID uint32) (*Record, error) {
	data, err := os.ReadFile(b.path(doID))
	if err != nil {
		return nil, fmt.Errorf("db: load %d: %w", doID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("db: load %d: %w", doID, err)
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]any)
	}
	return &rec, nil
}

// Save writes one object record.
func (b *FileBackend) Save(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("db: save %d: %w", rec.DoID, err)
	}
	if err := os.WriteFile(b.path(rec.DoID), data, 0o644); err != nil {
		return fmt.Errorf("db: save %d: %w", rec.DoID, err)
	}
	return nil
}

// LoadNext reads the tracker; ok is false when no tracker exists yet.
func (b *FileBackend) LoadNext() (next uint64, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(b.dir, b.tracker))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("db: load tracker: %w", err)
	}
	var t tracker
	if err := json.Unmarshal(data, &t); err != nil {
		return 0, false, fmt.Errorf("db: load tracker: %w", err)
	}
	return t.Next, true, nil
}

// SaveNext persists the next free doId.
func (b *FileBackend) SaveNext(next uint64) error {
	data, err := json.Marshal(tracker{Next: next})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(b.dir, b.tracker), data, 0o644); err != nil {
		return fmt.Errorf("db: save tracker: %w", err)
	}
	return nil
}

// Count returns how many object files the directory holds.
func (b *FileBackend) Count() int {
	matches, err := filepath.Glob(filepath.Join(b.dir, "*."+b.ext))
	if err != nil {
		return 0
	}
	return len(matches)
}

// fieldValue converts a decoded argument tuple to its stored JSON value:
// single-argument fields store the lone value, blobs store as strings.
func fieldValue(vals []any) any {
	one := func(v any) any {
		if b, ok := v.([]byte); ok {
			return string(b)
		}
		return v
	}
	if len(vals) == 1 {
		return one(vals[0])
	}
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = one(v)
	}
	return out
}

// packedField re-encodes a stored value as the field's packed tuple.
func packedField(f *dc.Field, stored any) ([]byte, error) {
	if len(f.Args) == 1 {
		return f.Encode([]any{stored})
	}
	vals, ok := stored.([]any)
	if !ok {
		return nil, fmt.Errorf("db: field %q: want tuple, got %T", f.Name, stored)
	}
	return f.Encode(vals)
}
