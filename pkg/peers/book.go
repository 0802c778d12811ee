package peers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"relaygw/pkg/event"
	"relaygw/pkg/gateway"
	"relaygw/pkg/neighbor"
	"relaygw/pkg/protocol/codec"
)

const bookVersion = 1

// Entry is one discovered neighbor.
type Entry struct {
	Address string `json:"address" cbor:"address"`
	// Match is "host" for neighbors matching any port of their host, "" for
	// exact matching.
	Match     string `json:"match,omitempty" cbor:"match,omitempty"`
	Transport string `json:"transport" cbor:"transport"`
	SeenUnix  int64  `json:"seen_unix" cbor:"seen_unix"`
}

// Neighbor rebuilds the neighbor the entry was taken from.
func (e Entry) Neighbor() neighbor.Neighbor {
	if e.Match == "host" {
		return neighbor.NewHost(e.Address)
	}
	return neighbor.New(e.Address)
}

type bookFile struct {
	Version int     `json:"version" cbor:"version"`
	Entries []Entry `json:"entries" cbor:"entries"`
}

// Book remembers neighbors that transports discovered so they can be routed
// again after a restart without waiting for them to reconnect.
type Book struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewBook() *Book { return &Book{entries: make(map[string]Entry)} }

// Add records n as discovered through the transport named kind.
func (b *Book) Add(n neighbor.Neighbor, kind string) {
	e := Entry{Address: n.Address(), Transport: kind, SeenUnix: time.Now().Unix()}
	if _, ok := n.(neighbor.Host); ok {
		e.Match = "host"
	}
	b.mu.Lock()
	b.entries[e.Address] = e
	b.mu.Unlock()
}

func (b *Book) Remove(address string) {
	b.mu.Lock()
	delete(b.entries, address)
	b.mu.Unlock()
}

// Entries returns the book ordered by address.
func (b *Book) Entries() []Entry {
	b.mu.Lock()
	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Observe adds every neighbor gw discovers.
func (b *Book) Observe(gw *gateway.Gateway) event.Subscription {
	return gw.SubscribeNeighbor(func(n neighbor.Neighbor) {
		kind := ""
		if _, t, ok := gw.Route(n.Address()); ok {
			kind = t.Kind().String()
		}
		b.Add(n, kind)
	})
}

// Restore adds the book's neighbors to gw. Entries no transport can carry, or
// that gw already knows, are skipped.
func (b *Book) Restore(ctx context.Context, gw *gateway.Gateway) (restored int) {
	for _, e := range b.Entries() {
		err := gw.AddNeighbor(ctx, e.Neighbor())
		switch {
		case err == nil:
			restored++
		case errors.Is(err, gateway.ErrRouting):
		default:
			zap.L().Warn("peer book entry skipped", zap.String("addr", e.Address), zap.Error(err))
		}
	}
	return restored
}

// Encode serializes the book with c.
func (b *Book) Encode(c codec.Codec) ([]byte, error) {
	f := bookFile{Version: bookVersion, Entries: b.Entries()}
	if c.Name() == "proto" {
		s, err := toStruct(f)
		if err != nil {
			return nil, err
		}
		return c.Marshal(s)
	}
	return c.Marshal(f)
}

// Decode replaces the book's contents with data encoded by c.
func (b *Book) Decode(c codec.Codec, data []byte) error {
	var f bookFile
	if c.Name() == "proto" {
		var s structpb.Struct
		if err := c.Unmarshal(data, &s); err != nil {
			return err
		}
		f = fromStruct(&s)
	} else if err := c.Unmarshal(data, &f); err != nil {
		return err
	}
	if f.Version != bookVersion {
		return fmt.Errorf("peer book version %d not supported", f.Version)
	}
	entries := make(map[string]Entry, len(f.Entries))
	for _, e := range f.Entries {
		if e.Address != "" {
			entries[e.Address] = e
		}
	}
	b.mu.Lock()
	b.entries = entries
	b.mu.Unlock()
	return nil
}

// Save writes the book to path, replacing it atomically.
func (b *Book) Save(path string, c codec.Codec) error {
	data, err := b.Encode(c)
	if err != nil {
		return fmt.Errorf("encode peer book: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads the book from path. A missing file leaves the book empty.
func (b *Book) Load(path string, c codec.Codec) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := b.Decode(c, data); err != nil {
		return fmt.Errorf("decode peer book %s: %w", path, err)
	}
	return nil
}

func toStruct(f bookFile) (*structpb.Struct, error) {
	list := make([]any, len(f.Entries))
	for i, e := range f.Entries {
		list[i] = map[string]any{
			"address":   e.Address,
			"match":     e.Match,
			"transport": e.Transport,
			"seen_unix": float64(e.SeenUnix),
		}
	}
	return structpb.NewStruct(map[string]any{"version": float64(f.Version), "entries": list})
}

func fromStruct(s *structpb.Struct) bookFile {
	f := bookFile{Version: int(s.GetFields()["version"].GetNumberValue())}
	for _, v := range s.GetFields()["entries"].GetListValue().GetValues() {
		m := v.GetStructValue().GetFields()
		f.Entries = append(f.Entries, Entry{
			Address:   m["address"].GetStringValue(),
			Match:     m["match"].GetStringValue(),
			Transport: m["transport"].GetStringValue(),
			SeenUnix:  int64(m["seen_unix"].GetNumberValue()),
		})
	}
	return f
}
