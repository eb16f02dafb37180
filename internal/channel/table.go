package channel

import (
	"context"

	"github.com/Iron-Ham/iccbus/internal/errors"
	"github.com/Iron-Ham/iccbus/internal/icc"
)

// Table is the fixed array of channels indexed by client id. Channels are
// created once and never replaced, so lookups need no lock.
type Table struct {
	channels [icc.MaxClient]*Channel
}

// NewTable creates MaxClient uninstalled channels, each with a queue of
// the given capacity.
func NewTable(capacity int) *Table {
	t := &Table{}
	for i := range t.channels {
		t.channels[i] = newChannel(icc.ClientID(i), capacity)
	}
	return t
}

// Get returns the channel for id, or ErrInvalidChannel when id is out of
// range.
func (t *Table) Get(id icc.ClientID) (*Channel, error) {
	if !id.Valid() {
		return nil, errors.NewChannelError("lookup", errors.ErrInvalidChannel).WithChannel(int(id))
	}
	return t.channels[id], nil
}

// Lookup is Get without the error, for the dispatcher's hot path.
func (t *Table) Lookup(id icc.ClientID) (*Channel, bool) {
	if !id.Valid() {
		return nil, false
	}
	return t.channels[id], true
}

// All returns every channel in id order.
func (t *Table) All() []*Channel {
	out := make([]*Channel, len(t.channels))
	copy(out, t.channels[:])
	return out
}

// TryRead reads one message from channel id. It satisfies the reader the
// sync engine uses to flush stale messages.
func (t *Table) TryRead(id icc.ClientID) (icc.Message, int, error) {
	c, err := t.Get(id)
	if err != nil {
		return icc.Message{}, 0, err
	}
	return c.TryRead()
}

// Wait blocks until channel id has a queued message, is closed, or ctx is
// done. It returns nil when a message is ready and ErrNotOpen when the
// channel is (or becomes) closed.
func (t *Table) Wait(ctx context.Context, id icc.ClientID) error {
	c, err := t.Get(id)
	if err != nil {
		return err
	}
	return c.Wait(ctx)
}

// Snapshot returns the stats of every channel.
func (t *Table) Snapshot() []Stats {
	out := make([]Stats, 0, len(t.channels))
	for _, c := range t.channels {
		out = append(out, c.Stats())
	}
	return out
}
