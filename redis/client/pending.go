package client

import (
	"sync"

	"github.com/thiamsantos/redix/interface/redis"
)

// pendingRow tracks one pipeline batch from send to resolution
type pendingRow struct {
	counter   uint64
	ch        chan result
	ncommands int
	timedOut  bool
	replies   []redis.Reply
}

// pendingTable is the only structure shared between the controller and
// the socket owner. Rows are kept in counter order: the controller
// appends (counters are monotone), the socket owner always consumes the
// head, matching the FIFO reply stream of the wire.
type pendingTable struct {
	mu   sync.Mutex
	rows []*pendingRow
}

func newPendingTable() *pendingTable {
	return &pendingTable{}
}

// insert adds a fresh row, controller only
func (t *pendingTable) insert(counter uint64, ch chan result, ncommands int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = append(t.rows, &pendingRow{
		counter:   counter,
		ch:        ch,
		ncommands: ncommands,
	})
}

// setTimedOut marks the row so a late reply is discarded, controller
// only. Returns the row's channel and true while the row is still live.
func (t *pendingTable) setTimedOut(counter uint64) (chan result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, row := range t.rows {
		if row.counter == counter {
			if row.timedOut {
				return nil, false
			}
			row.timedOut = true
			return row.ch, true
		}
		if row.counter > counter {
			break
		}
	}
	return nil, false
}

// push accumulates one decoded reply into the oldest row, socket owner
// only. When the row has gathered all of its replies it is removed
// atomically and returned with done=true. ok=false means no row was
// waiting at all.
func (t *pendingTable) push(reply redis.Reply) (done bool, ch chan result, timedOut bool, replies []redis.Reply, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.rows) == 0 {
		return false, nil, false, nil, false
	}
	row := t.rows[0]
	row.replies = append(row.replies, reply)
	if len(row.replies) < row.ncommands {
		return false, nil, false, nil, true
	}
	t.rows = t.rows[1:]
	return true, row.ch, row.timedOut, row.replies, true
}

// drain removes every row in counter order, controller only
func (t *pendingTable) drain(f func(ch chan result, timedOut bool)) {
	t.mu.Lock()
	rows := t.rows
	t.rows = nil
	t.mu.Unlock()
	for _, row := range rows {
		f(row.ch, row.timedOut)
	}
}

func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}
