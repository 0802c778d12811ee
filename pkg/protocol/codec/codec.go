// Package codec provides the serialization formats used for node state on
// disk: CBOR, JSON and Protocol Buffers.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Codec marshals values in one format. Implementations are deterministic so
// that equal values produce equal bytes.
type Codec interface {
	// Name is the short format name used in configuration.
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var ErrUnknownFormat = errors.New("codec: unknown format")

// Registry maps format names to codecs.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Codec
}

func NewRegistry(cs ...Codec) *Registry {
	r := &Registry{byName: make(map[string]Codec, len(cs))}
	for _, c := range cs {
		r.Register(c)
	}
	return r
}

// Register adds c, replacing any codec with the same name.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[c.Name()] = c
}

// Lookup returns the codec for a format name, case-insensitively.
func (r *Registry) Lookup(name string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
	return c, nil
}

// Names lists the registered formats, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

var defaultRegistry = NewRegistry(CBOR(), JSON(), Proto())

// ByName looks a format up in the built-in registry.
func ByName(name string) (Codec, error) { return defaultRegistry.Lookup(name) }
