package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
)

// fileSource reads a flat JSON object of key/value pairs once at
// startup. Meant for development setups; group-readable files are
// rejected.
type fileSource struct {
	path string
	data map[string]string
}

func newFileSource(path string) (*fileSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return nil, fmt.Errorf("%s has mode %s, want it readable by owner only", path, fs.FileMode(perm))
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data := make(map[string]string)
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fileSource{path: path, data: data}, nil
}

func (f *fileSource) Name() string { return "file" }

func (f *fileSource) Lookup(ctx context.Context, key Key) (string, bool, error) {
	val, ok := f.data[string(key)]
	return val, ok, nil
}
