// Package registry holds the ordered set of migration units known to a build.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"cms_migrator_syncer/migrations"
)

var (
	ErrEmptyKey     = errors.New("migration unit key is empty")
	ErrDuplicateKey = errors.New("duplicate migration unit key")
	ErrOrphanDown   = errors.New("reverse file has no forward file")
	ErrAmbiguous    = errors.New("unit has both .sql and .up.sql files")
)

const (
	upSuffix    = ".up.sql"
	downSuffix  = ".down.sql"
	plainSuffix = ".sql"
)

// Unit is one migration: a forward SQL batch and an optional reverse batch.
// Units are plain data; only the runner executes them.
type Unit struct {
	Key    string
	Up     string
	Down   string
	Source string
}

// Registry is an immutable, key-ordered collection of units.
type Registry struct {
	units []Unit
	index map[string]int
}

// New validates the given units and returns them as a registry sorted by key.
func New(units ...Unit) (*Registry, error) {
	sorted := make([]Unit, len(units))
	copy(sorted, units)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	index := make(map[string]int, len(sorted))
	for i, u := range sorted {
		if strings.TrimSpace(u.Key) == "" {
			return nil, ErrEmptyKey
		}
		if _, dup := index[u.Key]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, u.Key)
		}
		index[u.Key] = i
	}
	return &Registry{units: sorted, index: index}, nil
}

// Load reads units from dir inside fsys. Files named <key>.up.sql and
// <key>.down.sql are paired by key; a plain <key>.sql is a forward-only unit.
// Anything else in the directory is ignored.
func Load(fsys fs.FS, dir string) (*Registry, error) {
	if dir == "" {
		dir = "."
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}

	type pair struct {
		up, down       *string
		upSrc, downSrc string
	}
	pairs := map[string]*pair{}
	get := func(key string) *pair {
		p, ok := pairs[key]
		if !ok {
			p = &pair{}
			pairs[key] = p
		}
		return p
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		var (
			key    string
			isDown bool
		)
		switch {
		case strings.HasSuffix(name, upSuffix):
			key = strings.TrimSuffix(name, upSuffix)
		case strings.HasSuffix(name, downSuffix):
			key, isDown = strings.TrimSuffix(name, downSuffix), true
		case strings.HasSuffix(name, plainSuffix):
			key = strings.TrimSuffix(name, plainSuffix)
		default:
			continue
		}

		src := path.Join(dir, name)
		data, err := fs.ReadFile(fsys, src)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", src, err)
		}
		text := string(data)

		p := get(key)
		if isDown {
			p.down, p.downSrc = &text, src
			continue
		}
		if p.up != nil {
			return nil, fmt.Errorf("%w: %s", ErrAmbiguous, key)
		}
		p.up, p.upSrc = &text, src
	}

	units := make([]Unit, 0, len(pairs))
	for key, p := range pairs {
		if p.up == nil {
			return nil, fmt.Errorf("%w: %s", ErrOrphanDown, p.downSrc)
		}
		u := Unit{Key: key, Up: *p.up, Source: p.upSrc}
		if p.down != nil {
			u.Down = *p.down
		}
		units = append(units, u)
	}
	return New(units...)
}

// Embedded returns the CMS units compiled into the binary.
func Embedded() (*Registry, error) {
	return Load(migrations.FS(), ".")
}

// Units returns a copy of the units in key order.
func (r *Registry) Units() []Unit {
	out := make([]Unit, len(r.units))
	copy(out, r.units)
	return out
}

func (r *Registry) Get(key string) (Unit, bool) {
	i, ok := r.index[key]
	if !ok {
		return Unit{}, false
	}
	return r.units[i], true
}

func (r *Registry) Keys() []string {
	keys := make([]string, len(r.units))
	for i, u := range r.units {
		keys[i] = u.Key
	}
	return keys
}

func (r *Registry) Len() int { return len(r.units) }

// Pending returns the units whose keys are not in applied, in key order.
func (r *Registry) Pending(applied map[string]bool) []Unit {
	var out []Unit
	for _, u := range r.units {
		if !applied[u.Key] {
			out = append(out, u)
		}
	}
	return out
}
