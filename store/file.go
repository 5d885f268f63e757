package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File is a KV persisted as a single JSON document. Every write rewrites
// the file, so it suits small deployments and local development.
type File struct {
	path string

	mu     sync.Mutex
	data   map[string][]byte
	closed bool
}

// fileDoc is the on-disk layout. Values are kept as JSON when they are
// valid JSON, which keeps task documents readable, so their whitespace may
// change across a reload. Anything else is stored base64-encoded.
type fileDoc struct {
	Values map[string]json.RawMessage `json:"values"`
	Binary map[string]string          `json:"binary,omitempty"`
}

// NewFile opens the store at path, loading existing contents.
func NewFile(path string) (*File, error) {
	f := &File{path: path, data: make(map[string][]byte)}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) load() error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var doc fileDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", f.path, err)
	}
	for k, v := range doc.Values {
		f.data[k] = []byte(v)
	}
	for k, v := range doc.Binary {
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("decode %s key %s: %w", f.path, k, err)
		}
		f.data[k] = b
	}
	return nil
}

// saveLocked writes the document to a temporary file and renames it over
// the old one.
func (f *File) saveLocked() error {
	doc := fileDoc{Values: make(map[string]json.RawMessage, len(f.data))}
	for k, v := range f.data {
		if json.Valid(v) {
			doc.Values[k] = json.RawMessage(v)
			continue
		}
		if doc.Binary == nil {
			doc.Binary = make(map[string]string)
		}
		doc.Binary[k] = base64.StdEncoding.EncodeToString(v)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *File) Set(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	prev, had := f.data[key]
	f.data[key] = append([]byte(nil), value...)
	if err := f.saveLocked(); err != nil {
		if had {
			f.data[key] = prev
		} else {
			delete(f.data, key)
		}
		return err
	}
	return nil
}

func (f *File) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	v, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (f *File) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if _, ok := f.data[key]; !ok {
		return nil
	}
	delete(f.data, key)
	return f.saveLocked()
}

func (f *File) Keys(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	return sortedKeys(f.data, prefix), nil
}

func (f *File) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
