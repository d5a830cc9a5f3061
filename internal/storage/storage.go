// Package storage writes and lists migration unit files in a directory.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const keyTimeLayout = "20060102150405"

var ErrExists = errors.New("unit already exists")

// UnitFiles describes a unit stored on disk. DownFile is empty for
// forward-only units.
type UnitFiles struct {
	Key      string `json:"key"`
	UpFile   string `json:"up_file"`
	DownFile string `json:"down_file,omitempty"`
	Checksum string `json:"checksum"`
}

// NewUnit writes <timestamp>_<name>.up.sql and, when down is non-empty,
// the matching .down.sql into dir. Existing files are never overwritten.
func NewUnit(dir, name, up, down string, now time.Time) (UnitFiles, error) {
	safe := safeName(name)
	if safe == "" {
		return UnitFiles{}, fmt.Errorf("unit name %q has no usable characters", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return UnitFiles{}, err
	}

	existing, err := ListUnits(dir)
	if err != nil {
		return UnitFiles{}, err
	}
	for _, u := range existing {
		if unitName(u.Key) == safe {
			return UnitFiles{}, fmt.Errorf("%w: %s", ErrExists, u.Key)
		}
	}

	key := now.UTC().Format(keyTimeLayout) + "_" + safe
	unit := UnitFiles{
		Key:    key,
		UpFile: filepath.Join(dir, key+".up.sql"),
	}
	if err := writeNew(unit.UpFile, []byte(up)); err != nil {
		return UnitFiles{}, err
	}
	var downBytes []byte
	if strings.TrimSpace(down) != "" {
		downBytes = []byte(down)
		unit.DownFile = filepath.Join(dir, key+".down.sql")
		if err := writeNew(unit.DownFile, downBytes); err != nil {
			_ = os.Remove(unit.UpFile)
			return UnitFiles{}, err
		}
	}
	unit.Checksum = computeChecksum([]byte(up), downBytes)
	return unit, nil
}

// StoreUnitFiles copies existing forward (and optional rollback) scripts into
// dir as a new unit.
func StoreUnitFiles(dir, name, forwardPath, rollbackPath string, now time.Time) (UnitFiles, error) {
	forward, err := os.ReadFile(forwardPath)
	if err != nil {
		return UnitFiles{}, fmt.Errorf("read forward script: %w", err)
	}
	var rollback []byte
	if rollbackPath != "" {
		rollback, err = os.ReadFile(rollbackPath)
		if err != nil {
			return UnitFiles{}, fmt.Errorf("read rollback script: %w", err)
		}
	}
	return NewUnit(dir, name, string(forward), string(rollback), now)
}

// ListUnits returns the units stored in dir in key order. A missing
// directory holds no units.
func ListUnits(dir string) ([]UnitFiles, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []UnitFiles{}, nil
		}
		return nil, err
	}

	byKey := map[string]*UnitFiles{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		var key string
		down := false
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			key = strings.TrimSuffix(name, ".up.sql")
		case strings.HasSuffix(name, ".down.sql"):
			key, down = strings.TrimSuffix(name, ".down.sql"), true
		case strings.HasSuffix(name, ".sql"):
			key = strings.TrimSuffix(name, ".sql")
		default:
			continue
		}
		u, ok := byKey[key]
		if !ok {
			u = &UnitFiles{Key: key}
			byKey[key] = u
		}
		if down {
			u.DownFile = filepath.Join(dir, name)
		} else {
			u.UpFile = filepath.Join(dir, name)
		}
	}

	out := make([]UnitFiles, 0, len(byKey))
	for _, u := range byKey {
		var up, down []byte
		if u.UpFile != "" {
			if up, err = os.ReadFile(u.UpFile); err != nil {
				return nil, err
			}
		}
		if u.DownFile != "" {
			if down, err = os.ReadFile(u.DownFile); err != nil {
				return nil, err
			}
		}
		u.Checksum = computeChecksum(up, down)
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// unitName strips the leading numeric version and its underscore from a key.
func unitName(key string) string {
	rest := strings.TrimLeft(key, "0123456789")
	if rest == key {
		return key
	}
	return strings.TrimPrefix(rest, "_")
}

func writeNew(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// safeName lowercases name and keeps only [a-z0-9_], collapsing runs of
// anything else into one underscore.
func safeName(name string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

func computeChecksum(blobs ...[]byte) string {
	h := sha256.New()
	for _, b := range blobs {
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}
