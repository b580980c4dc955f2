package coordinator

import (
	"sync"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

// routes maps ledger identifiers to orders and doubles as the monitors'
// subscription filter.
type routes struct {
	mu         sync.RWMutex
	byHashlock map[domain.Hashlock]string
	byLeg      map[string]string // chain + "/" + legID
}

var _ domain.EventFilter = (*routes)(nil)

func newRoutes() *routes {
	return &routes{
		byHashlock: make(map[domain.Hashlock]string),
		byLeg:      make(map[string]string),
	}
}

func legKey(chain, legID string) string { return chain + "/" + legID }

// Match implements domain.EventFilter with the same rules lookup routes by.
func (r *routes) Match(ev domain.ChainEvent) bool {
	_, ok := r.lookup(ev)
	return ok
}

func (r *routes) addHashlock(h domain.Hashlock, orderID string) {
	if h.IsZero() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHashlock[h] = orderID
}

func (r *routes) addLeg(chain, legID, orderID string) {
	if legID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byLeg[legKey(chain, legID)] = orderID
}

// lookup routes an event by hashlock, falling back to its leg ID.
func (r *routes) lookup(ev domain.ChainEvent) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byHashlock[ev.Hashlock]; ok && !ev.Hashlock.IsZero() {
		return id, true
	}
	id, ok := r.byLeg[legKey(ev.Chain, ev.LegID)]
	return id, ok
}

// drop forgets every route of st.
func (r *routes) drop(st *domain.OrderState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byHashlock, st.Source.Hashlock)
	if st.Source.LegID != "" {
		delete(r.byLeg, legKey(st.Source.Chain, st.Source.LegID))
	}
	if st.Destination.LegID != "" {
		delete(r.byLeg, legKey(st.Destination.Chain, st.Destination.LegID))
	}
}

// index registers every route of st.
func (r *routes) index(st *domain.OrderState) {
	r.addHashlock(st.Source.Hashlock, st.OrderID)
	r.addLeg(st.Source.Chain, st.Source.LegID, st.OrderID)
	r.addLeg(st.Destination.Chain, st.Destination.LegID, st.OrderID)
}
