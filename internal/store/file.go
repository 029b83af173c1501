package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/KaramelBytes/datadash-cli/internal/utils"
)

// File keeps all keys in one JSON object on disk. Every mutation rewrites
// the file through a temp file and rename, so a reader sees either the old
// or the new content.
type File struct {
	mu     sync.Mutex
	path   string
	values map[string]string
	closed bool

	corruptPath string
	corruptErr  error
}

// OpenFile loads path if it exists. A missing file is an empty store. A
// file that does not decode is renamed to path+".corrupt" and the store
// starts empty; Corrupt reports what happened.
func OpenFile(path string) (*File, error) {
	f := &File{path: path, values: make(map[string]string)}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return f, nil
		}
		return nil, fmt.Errorf("read store: %w", err)
	}
	if len(b) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(b, &f.values); err != nil {
		f.values = make(map[string]string)
		f.corruptErr = fmt.Errorf("parse store %s: %w", path, err)
		aside := path + ".corrupt"
		if rerr := os.Rename(path, aside); rerr != nil {
			return nil, errors.Join(f.corruptErr, fmt.Errorf("set aside corrupt store: %w", rerr))
		}
		f.corruptPath = aside
		return f, nil
	}
	if f.values == nil {
		f.values = make(map[string]string)
	}
	return f, nil
}

// Corrupt returns where an undecodable store file was moved and the decode
// error. path is empty when the file loaded cleanly.
func (f *File) Corrupt() (path string, err error) {
	return f.corruptPath, f.corruptErr
}

// Path returns the backing file.
func (f *File) Path() string { return f.path }

func (f *File) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", false, ErrClosed
	}
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *File) Set(key, value string) error {
	return f.mutate(func(next map[string]string) { next[key] = value })
}

func (f *File) Remove(key string) error {
	return f.mutate(func(next map[string]string) { delete(next, key) })
}

func (f *File) Clear() error {
	return f.mutate(func(next map[string]string) {
		for k := range next {
			delete(next, k)
		}
	})
}

func (f *File) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// mutate applies fn to a copy, persists the copy and only then swaps it in.
func (f *File) mutate(fn func(map[string]string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	next := make(map[string]string, len(f.values)+1)
	for k, v := range f.values {
		next[k] = v
	}
	fn(next)
	data, err := utils.PrettyJSON(next)
	if err != nil {
		return err
	}
	if err := utils.SafeWriteFile(f.path, data); err != nil {
		return fmt.Errorf("persist store: %w", err)
	}
	f.values = next
	return nil
}
