package tilecache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bizzkoot/Qibla-Finder-sub000/internal/model"
)

const tileExt = ".png"

// Store is the on-disk tile file store. Files are named
// {style}_{zoom}_{x}_{y}.png; files written by older versions used the
// unstyled {zoom}_{x}_{y}.png form and are migrated on first read.
type Store struct {
	dir string
}

// NewStore creates the cache directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tile cache dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+tileExt)
}

// Read returns the cached tile bytes, or ok=false on a miss. For the default
// style it falls back to the legacy unstyled filename and renames it under
// the styled key so the fallback only ever happens once per tile.
func (s *Store) Read(addr model.TileAddress) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path(addr.Key()))
	if err == nil {
		return data, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	if addr.Style != "" && addr.Style != model.DefaultStyle {
		return nil, false, nil
	}
	legacy := s.path(addr.LegacyKey())
	data, err = os.ReadFile(legacy)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := os.Rename(legacy, s.path(addr.Key())); err != nil {
		return nil, false, fmt.Errorf("failed to migrate legacy tile %s: %w", addr.LegacyKey(), err)
	}
	return data, true, nil
}

// Write stores the tile bytes under the styled key.
func (s *Store) Write(addr model.TileAddress, data []byte) error {
	return os.WriteFile(s.path(addr.Key()), data, 0o644)
}

// Delete removes a tile file. Deleting an absent file is not an error.
func (s *Store) Delete(key string) error {
	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Clear removes every tile file in the cache directory.
func (s *Store) Clear() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), tileExt) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Enumerate walks the cache directory and builds manifest records from the
// files actually present, used to rebuild a lost or inconsistent manifest.
// File modification time stands in for the fetch time.
func (s *Store) Enumerate() ([]TileRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var recs []TileRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), tileExt) {
			continue
		}
		key := strings.TrimSuffix(e.Name(), tileExt)
		addr, ok := parseKey(key)
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		recs = append(recs, TileRecord{
			Key:        addr.Key(),
			Style:      addr.Style,
			Zoom:       addr.Zoom,
			X:          addr.X,
			Y:          addr.Y,
			SizeBytes:  info.Size(),
			FetchedAt:  info.ModTime(),
			LastAccess: info.ModTime(),
		})
	}
	return recs, nil
}

// parseKey inverts TileAddress.Key, accepting the legacy unstyled form.
func parseKey(key string) (model.TileAddress, bool) {
	parts := strings.Split(key, "_")
	var addr model.TileAddress
	switch len(parts) {
	case 4:
		addr.Style = parts[0]
		parts = parts[1:]
	case 3:
		addr.Style = model.DefaultStyle
	default:
		return model.TileAddress{}, false
	}
	var err error
	if addr.Zoom, err = strconv.Atoi(parts[0]); err != nil {
		return model.TileAddress{}, false
	}
	if addr.X, err = strconv.Atoi(parts[1]); err != nil {
		return model.TileAddress{}, false
	}
	if addr.Y, err = strconv.Atoi(parts[2]); err != nil {
		return model.TileAddress{}, false
	}
	return addr, addr.Valid()
}

// Refresh bumps the file modification time, deferring age-based eviction for
// a tile that was just served.
func (s *Store) Refresh(key string, at time.Time) error {
	return os.Chtimes(s.path(key), at, at)
}
