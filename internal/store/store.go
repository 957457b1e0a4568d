// Package store implements the shared context store: a key/value map used to
// hand values produced by one service's initialization to another service's
// environment, persisted to disk between invocations.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ContextFileName is the file the store is persisted to, relative to the
// directory the service definitions were loaded from.
const ContextFileName = ".miniboss-context"

// ContextError reports a failed key lookup or template rendering. A service
// whose env template fails to render turns Failed; the error is never fatal
// to the whole invocation.
type ContextError struct {
	Reason string
}

func (e *ContextError) Error() string { return e.Reason }

// Store is safe for concurrent use: post-start hooks of sibling services may
// write unrelated keys at the same time. Reads for env rendering are ordered
// against dependency writes by the scheduler's dependency gate, not by the
// store.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
}

func New() *Store {
	return &Store{values: make(map[string]string)}
}

// Load reads a persisted store from dir. A missing context file is not an
// error; it yields an empty store.
func Load(dir string) (*Store, error) {
	s := New()
	data, err := os.ReadFile(filepath.Join(dir, ContextFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read context file: %w", err)
	}
	if err := json.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("decode context file: %w", err)
	}
	return s, nil
}

// Save writes the current contents to dir. Encoding is deterministic: keys
// are ordered by encoding/json's map key sorting.
func (s *Store) Save(dir string) error {
	s.mu.RLock()
	data, err := json.Marshal(s.values)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ContextFileName), data, 0o644); err != nil {
		return fmt.Errorf("write context file: %w", err)
	}
	return nil
}

// RemoveFile deletes the persisted context file in dir. A missing file is a
// no-op.
func RemoveFile(dir string) error {
	err := os.Remove(filepath.Join(dir, ContextFileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove context file: %w", err)
	}
	return nil
}

func (s *Store) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	if !ok {
		return "", &ContextError{Reason: fmt.Sprintf("no such context key: %s", key)}
	}
	return value, nil
}

func (s *Store) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Render substitutes {key} references in template with current store
// contents. Doubled braces escape literal braces. Referencing a key that has
// not been set is a ContextError naming the keys that do exist.
func (s *Store) Render(template string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out strings.Builder
	for i := 0; i < len(template); {
		switch c := template[i]; c {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				out.WriteByte('{')
				i += 2
				continue
			}
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				return "", &ContextError{Reason: fmt.Sprintf("unbalanced brace in template %q", template)}
			}
			key := template[i+1 : i+end]
			value, ok := s.values[key]
			if !ok {
				return "", &ContextError{Reason: fmt.Sprintf(
					"could not render %q, no context key %q (existing keys: %s)",
					template, key, strings.Join(s.sortedKeysLocked(), ","))}
			}
			out.WriteString(value)
			i += end + 1
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				out.WriteByte('}')
				i += 2
				continue
			}
			return "", &ContextError{Reason: fmt.Sprintf("unbalanced brace in template %q", template)}
		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String(), nil
}

// RenderAll renders every value of env, returning a new map. Keys are copied
// as-is.
func (s *Store) RenderAll(env map[string]string) (map[string]string, error) {
	rendered := make(map[string]string, len(env))
	for key, value := range env {
		result, err := s.Render(value)
		if err != nil {
			return nil, err
		}
		rendered[key] = result
	}
	return rendered, nil
}

func (s *Store) sortedKeysLocked() []string {
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
