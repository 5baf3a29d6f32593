package staging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FSStager stages artifacts under a local directory.
type FSStager struct {
	dir string
}

var _ Stager = (*FSStager)(nil)

// NewFSStager creates the staging directory if needed.
func NewFSStager(dir string) (*FSStager, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	return &FSStager{dir: dir}, nil
}

// Put writes data atomically via a temp file and rename.
func (s *FSStager) Put(_ context.Context, discriminator string, data []byte) (string, error) {
	key := objectKey(discriminator)
	path := filepath.Join(s.dir, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("creating staging shard: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".stage-*")
	if err != nil {
		return "", fmt.Errorf("staging %s: %w", discriminator, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("staging %s: %w", discriminator, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("staging %s: %w", discriminator, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("staging %s: %w", discriminator, err)
	}

	return "fs://" + key, nil
}

// Get reads staged bytes.
func (s *FSStager) Get(_ context.Context, location string) ([]byte, error) {
	key, err := splitLocation(location, "fs")
	if err != nil {
		return nil, err
	}
	if strings.Contains(key, "..") {
		return nil, fmt.Errorf("invalid staging key %q", key)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading %s: %w", location, ErrNotStaged)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", location, err)
	}
	return data, nil
}
