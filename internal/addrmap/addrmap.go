package addrmap

import (
	"sync"

	"github.com/Iron-Ham/iccbus/internal/errors"
	"github.com/Iron-Ham/iccbus/internal/icc"
)

// MaxMappings is the number of regions each client may register.
const MaxMappings = 8

// Mapping is one registered region.
type Mapping struct {
	User   uint32
	Kernel uint32
	Size   uint32
}

// contains reports whether addr falls inside the region. A zero-sized
// region only matches its base address.
func (m Mapping) contains(addr uint32) bool {
	if m.Size == 0 {
		return addr == m.User
	}
	return addr >= m.User && addr-m.User < m.Size
}

// Translator resolves a client address. The bus write path depends on
// this interface so tests and embedders can supply their own.
type Translator interface {
	Resolve(id icc.ClientID, addr uint32) (uint32, bool)
}

// Table holds the per-client mappings.
type Table struct {
	mu      sync.RWMutex
	clients [icc.MaxClient][]Mapping
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{}
}

// Map registers a region for client id. It fails with ErrInvalidChannel
// for an out-of-range id and ErrMappingsExhausted once the client holds
// MaxMappings regions. Registering the same user base again replaces the
// earlier region.
func (t *Table) Map(id icc.ClientID, m Mapping) error {
	if !id.Valid() {
		return errors.NewChannelError("map", errors.ErrInvalidChannel).WithChannel(int(id))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.clients[id]
	for i := range list {
		if list[i].User == m.User {
			list[i] = m
			return nil
		}
	}
	if len(list) >= MaxMappings {
		return errors.NewChannelError("map", errors.ErrMappingsExhausted).WithChannel(int(id))
	}
	t.clients[id] = append(list, m)
	return nil
}

// Unmap removes the region whose user base is user. It reports whether a
// region was removed.
func (t *Table) Unmap(id icc.ClientID, user uint32) bool {
	if !id.Valid() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.clients[id]
	for i := range list {
		if list[i].User == user {
			t.clients[id] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Resolve translates addr for client id. An exact base match wins over a
// containing region; among containing regions the first registered wins.
func (t *Table) Resolve(id icc.ClientID, addr uint32) (uint32, bool) {
	if !id.Valid() {
		return 0, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	list := t.clients[id]
	for _, m := range list {
		if m.User == addr {
			return m.Kernel, true
		}
	}
	for _, m := range list {
		if m.contains(addr) {
			return m.Kernel + (addr - m.User), true
		}
	}
	return 0, false
}

// Reset drops every region of client id.
func (t *Table) Reset(id icc.ClientID) {
	if !id.Valid() {
		return
	}
	t.mu.Lock()
	t.clients[id] = nil
	t.mu.Unlock()
}

// Mappings returns a copy of client id's regions in registration order.
func (t *Table) Mappings(id icc.ClientID) []Mapping {
	if !id.Valid() {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Mapping, len(t.clients[id]))
	copy(out, t.clients[id])
	return out
}

// Translate rewrites every parameter of msg that is a non-zero,
// non-coherent pointer and resolves for msg.Src. It returns how many
// parameters changed.
func Translate(tr Translator, msg *icc.Message) int {
	if tr == nil {
		return 0
	}
	n := 0
	for i, p := range msg.Params {
		if p == 0 || !msg.Attr.IsPointer(i) || msg.Attr.IsCoherent(i) {
			continue
		}
		if k, ok := tr.Resolve(msg.Src, p); ok {
			msg.Params[i] = k
			n++
		}
	}
	return n
}
