package types

// Consumer is one registered consumer account's balance and counter
// record. The balance maps themselves live in storage (internal/storage),
// keyed by prefixed keys per spec.md §6; this struct is the logical view
// returned to callers, not the storage layout.
type Consumer struct {
	AccountId         ConsumerId
	RequestsSucceeded uint64
	RequestsTimedOut  uint64
}

// NewConsumer initializes an empty consumer record (spec.md §4.3,
// register_consumer): no balances, counters zeroed.
func NewConsumer(account ConsumerId) Consumer {
	return Consumer{AccountId: account}
}
