// Package registry persists script identities and their declared metadata.
//
// Layout under the scripts root:
//
//	{root}/{identity}.py   - the registered program
//	{root}/scripts.json    - metadata index, rewritten on every mutation
//
// The index self-heals: on load, any identity whose backing program file is
// gone is dropped and the index re-persisted.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/cartoflow/cartoflow/pkg/log"
	"github.com/cartoflow/cartoflow/pkg/validate"
)

// ErrScriptNotFound is returned for unknown script identities.
var ErrScriptNotFound = errors.New("script not found")

const indexFile = "scripts.json"

// Definition is one registered script.
type Definition struct {
	Identity    string         `json:"identity"`
	Metadata    map[string]any `json:"metadata"`
	Fingerprint string         `json:"fingerprint"` // xxhash64 of the program
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Registry is the on-disk script index.
type Registry struct {
	root string

	mu   sync.RWMutex
	defs map[string]*Definition
}

// Open loads the registry at root, creating it if needed, and reconciles
// the index against the filesystem.
func Open(root string) (*Registry, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scripts root: %w", err)
	}

	r := &Registry{root: root, defs: make(map[string]*Definition)}

	data, err := os.ReadFile(filepath.Join(root, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to read script index: %w", err)
	}
	if err := json.Unmarshal(data, &r.defs); err != nil {
		return nil, fmt.Errorf("failed to parse script index: %w", err)
	}

	// Reconcile: drop definitions whose program file is missing
	dropped := false
	for id := range r.defs {
		if _, err := os.Stat(r.ProgramPath(id)); err != nil {
			log.Warn("script %s: program file missing, dropping definition", id)
			delete(r.defs, id)
			dropped = true
		}
	}
	if dropped {
		if err := r.persistLocked(); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Root returns the scripts root directory.
func (r *Registry) Root() string {
	return r.root
}

// ProgramPath returns where identity's program lives (whether or not it is
// registered).
func (r *Registry) ProgramPath(identity string) string {
	return filepath.Join(r.root, identity+".py")
}

// Register stores or updates a script definition. Form values that parse as
// JSON are stored as their decoded type; everything else as raw strings.
// The backing program file must already be in place.
func (r *Registry) Register(identity string, form map[string]string) error {
	if err := validate.Identifier(identity); err != nil {
		return err
	}

	program := r.ProgramPath(identity)
	fingerprint, err := fingerprintFile(program)
	if err != nil {
		return fmt.Errorf("script %s has no backing program: %w", identity, err)
	}

	metadata := make(map[string]any, len(form))
	for k, v := range form {
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			metadata[k] = decoded
		} else {
			metadata[k] = v
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[identity] = &Definition{
		Identity:    identity,
		Metadata:    metadata,
		Fingerprint: fingerprint,
		UpdatedAt:   time.Now().UTC(),
	}
	return r.persistLocked()
}

// Exists reports whether identity is registered.
func (r *Registry) Exists(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[identity]
	return ok
}

// Metadata returns the stored metadata for identity.
func (r *Registry) Metadata(identity string) (map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[identity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, identity)
	}
	return def.Metadata, nil
}

// Definition returns the full stored definition for identity.
func (r *Registry) Definition(identity string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[identity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, identity)
	}
	cp := *def
	return &cp, nil
}

// List returns all registered identities, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for id := range r.defs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Drop removes identity from the index. The program file is left alone.
func (r *Registry) Drop(identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[identity]; !ok {
		return fmt.Errorf("%w: %s", ErrScriptNotFound, identity)
	}
	delete(r.defs, identity)
	return r.persistLocked()
}

// Watch drops definitions live when their backing program file is removed.
// Blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.root); err != nil {
		return fmt.Errorf("failed to watch scripts root: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			base := filepath.Base(event.Name)
			if !strings.HasSuffix(base, ".py") {
				continue
			}
			identity := strings.TrimSuffix(base, ".py")

			r.mu.Lock()
			if _, registered := r.defs[identity]; registered {
				// Rename may be a move within the root; re-check the file
				if _, err := os.Stat(r.ProgramPath(identity)); err != nil {
					log.Warn("script %s: program file removed, dropping definition", identity)
					delete(r.defs, identity)
					if err := r.persistLocked(); err != nil {
						log.Fail("failed to persist script index: %v", err)
					}
				}
			}
			r.mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("script watcher: %v", err)
		}
	}
}

// persistLocked rewrites the index file. Caller holds r.mu.
func (r *Registry) persistLocked() error {
	data, err := json.MarshalIndent(r.defs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode script index: %w", err)
	}

	path := filepath.Join(r.root, indexFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write script index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace script index: %w", err)
	}
	return nil
}

func fingerprintFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data)), nil
}
