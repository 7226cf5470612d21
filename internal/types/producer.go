package types

// Producer is one registered producer account's on-chain-equivalent
// record. Its pending requests live in TablePendingRequests, not on this
// struct, so resumption tokens (internal plumbing) never leak into an
// event snapshot (see Snapshot).
type Producer struct {
	AccountId         ProducerId
	Name              string
	Description       string
	ExampleInput      *string
	Fee               ProducerFee
	SendCallback      bool
	RequestsSucceeded uint64
	RequestsTimedOut  uint64
}

// ProducerSnapshot is the public, event-safe view of a Producer: every
// field except the live pending-request table.
type ProducerSnapshot struct {
	AccountId         ProducerId  `json:"accountId"`
	Name              string      `json:"name"`
	Description       string      `json:"description"`
	ExampleInput      *string     `json:"exampleInput,omitempty"`
	Fee               ProducerFee `json:"fee"`
	SendCallback      bool        `json:"sendCallback"`
	RequestsSucceeded uint64      `json:"requestsSucceeded"`
	RequestsTimedOut  uint64      `json:"requestsTimedOut"`
}

// Snapshot strips the pending-requests map, yielding the record carried
// on ProducerCreated/ProducerUpdated events.
func (p Producer) Snapshot() ProducerSnapshot {
	return ProducerSnapshot{
		AccountId:         p.AccountId,
		Name:              p.Name,
		Description:       p.Description,
		ExampleInput:      p.ExampleInput,
		Fee:               p.Fee,
		SendCallback:      p.SendCallback,
		RequestsSucceeded: p.RequestsSucceeded,
		RequestsTimedOut:  p.RequestsTimedOut,
	}
}

// NewProducer initializes a freshly self-registered producer record:
// fee None, callback disabled, counters zeroed (spec.md §4.3).
func NewProducer(account ProducerId) Producer {
	return Producer{
		AccountId: account,
		Fee:       NoFee(),
	}
}
