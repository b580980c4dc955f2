package coordinator

import (
	"sync"
	"time"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

type msgKind int

const (
	msgAuctionDue msgKind = iota
	msgEvent
	msgResult
	msgSweep
	msgCancel
)

func (k msgKind) String() string {
	switch k {
	case msgAuctionDue:
		return "auction_due"
	case msgEvent:
		return "event"
	case msgResult:
		return "result"
	case msgSweep:
		return "sweep"
	case msgCancel:
		return "cancel"
	}
	return "unknown"
}

// message is one unit of work for an order's mailbox.
type message struct {
	kind   msgKind
	event  domain.ChainEvent
	result domain.ActionResult
	at     time.Time
	reply  chan error
}

// slot is an order's entry in the table. Only the goroutine draining the
// mailbox replaces state or touches pending; mu guards state, mailbox and
// running.
type slot struct {
	id string

	mu      sync.Mutex
	state   *domain.OrderState
	mailbox []message
	running bool

	pending *eventBuffer
}

// table is an arena of slots addressed through an order-ID index. Freed
// arena cells are reused.
type table struct {
	mu    sync.RWMutex
	arena []*slot
	index map[string]int
	free  []int
}

func newTable() *table {
	return &table{index: make(map[string]int)}
}

// insert adds a slot for st. It returns false if the order is already present.
func (t *table) insert(st *domain.OrderState) (*slot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.index[st.OrderID]; ok {
		return nil, false
	}
	sl := &slot{id: st.OrderID, state: st, pending: newEventBuffer()}
	var i int
	if n := len(t.free); n > 0 {
		i = t.free[n-1]
		t.free = t.free[:n-1]
		t.arena[i] = sl
	} else {
		i = len(t.arena)
		t.arena = append(t.arena, sl)
	}
	t.index[st.OrderID] = i
	return sl, true
}

func (t *table) get(id string) (*slot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.index[id]
	if !ok {
		return nil, false
	}
	return t.arena[i], true
}

func (t *table) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.index[id]
	if !ok {
		return
	}
	delete(t.index, id)
	t.arena[i] = nil
	t.free = append(t.free, i)
}

// slots returns every live slot.
func (t *table) slots() []*slot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*slot, 0, len(t.index))
	for _, i := range t.index {
		out = append(out, t.arena[i])
	}
	return out
}

func (t *table) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.index)
}
