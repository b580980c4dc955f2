package remote

import "github.com/alanyoungcy/fusionrelay/internal/domain"

// Adapter joins a chain's HTTP submitter with its NATS event stream.
type Adapter struct {
	*Submitter
	*EventStream
	name string
}

var _ domain.ChainAdapter = (*Adapter)(nil)

// NewAdapter creates an Adapter.
func NewAdapter(name string, sub *Submitter, events *EventStream) *Adapter {
	return &Adapter{Submitter: sub, EventStream: events, name: name}
}

// Name implements domain.ChainAdapter.
func (a *Adapter) Name() string { return a.name }
