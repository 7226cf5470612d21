package registry

import (
	"context"

	"github.com/intearnear/oraclebroker/internal/storage"
	"github.com/intearnear/oraclebroker/internal/types"
)

// ConsumerRegistry manages consumer registration. Registration is
// idempotent and permissionless — anyone may register any account id
// (spec.md §4.4).
type ConsumerRegistry struct {
	consumers *storage.ConsumerStorage
}

func NewConsumerRegistry(consumers *storage.ConsumerStorage) *ConsumerRegistry {
	return &ConsumerRegistry{consumers: consumers}
}

func (r *ConsumerRegistry) RegisterConsumer(ctx context.Context, account types.ConsumerId) error {
	return r.consumers.Register(ctx, account)
}

func (r *ConsumerRegistry) IsRegisteredAsConsumer(ctx context.Context, account types.ConsumerId) (bool, error) {
	return r.consumers.Exists(ctx, account)
}
