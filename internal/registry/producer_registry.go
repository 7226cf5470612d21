// Package registry implements the Producer Registry and Consumer
// Registry components: account lifecycle and fee-schedule management,
// per spec.md §4.3 and §4.4.
package registry

import (
	"context"
	"fmt"

	"github.com/intearnear/oraclebroker/internal/events"
	"github.com/intearnear/oraclebroker/internal/storage"
	"github.com/intearnear/oraclebroker/internal/types"
	"github.com/rs/zerolog"
)

// ProducerRegistry manages producer registration and fee schedules.
type ProducerRegistry struct {
	producers *storage.ProducerStorage
	emitter   *events.Emitter
	logger    zerolog.Logger
}

func NewProducerRegistry(producers *storage.ProducerStorage, emitter *events.Emitter, logger zerolog.Logger) *ProducerRegistry {
	return &ProducerRegistry{producers: producers, emitter: emitter, logger: logger}
}

// AddProducer self-registers account as a producer with no fee and the
// send callback disabled (spec.md invariant I4: a producer must not
// already exist).
func (r *ProducerRegistry) AddProducer(ctx context.Context, account types.ProducerId, name, description string, exampleInput *string) (types.Producer, error) {
	producer := types.NewProducer(account)
	producer.Name = name
	producer.Description = description
	producer.ExampleInput = exampleInput

	if err := r.producers.Create(ctx, producer); err != nil {
		return types.Producer{}, err
	}
	if err := r.emitter.ProducerCreated(producer.Snapshot()); err != nil {
		r.logger.Error().Err(err).Str("producerId", string(account)).Msg("failed to emit producer_created event")
	}
	return producer, nil
}

// EditProducerDetails updates name/description/example_input, leaving
// the fee schedule, callback flag, and counters untouched.
func (r *ProducerRegistry) EditProducerDetails(ctx context.Context, account types.ProducerId, name, description string, exampleInput *string) (types.Producer, error) {
	updated, err := r.producers.Update(ctx, account, func(p *types.Producer) error {
		p.Name = name
		p.Description = description
		p.ExampleInput = exampleInput
		return nil
	})
	if err != nil {
		return types.Producer{}, err
	}
	r.emitUpdated(updated)
	return updated, nil
}

// SetFee replaces a producer's advertised fee schedule. Per SPEC_FULL.md
// §9 (Open Question 3), this has no retroactive effect: requests
// already charged under the old schedule keep their frozen PrepaidFee
// snapshot.
func (r *ProducerRegistry) SetFee(ctx context.Context, account types.ProducerId, fee types.ProducerFee) (types.Producer, error) {
	updated, err := r.producers.Update(ctx, account, func(p *types.Producer) error {
		p.Fee = fee
		return nil
	})
	if err != nil {
		return types.Producer{}, err
	}
	r.emitUpdated(updated)
	return updated, nil
}

// SetSendCallback toggles whether the broker's Request delivers
// on_request to the producer through its RequestDispatcher; while it is
// disabled no on_request is dispatched at all.
func (r *ProducerRegistry) SetSendCallback(ctx context.Context, account types.ProducerId, enabled bool) (types.Producer, error) {
	updated, err := r.producers.Update(ctx, account, func(p *types.Producer) error {
		p.SendCallback = enabled
		return nil
	})
	if err != nil {
		return types.Producer{}, err
	}
	r.emitUpdated(updated)
	return updated, nil
}

// IsProducer reports whether account is a registered producer.
func (r *ProducerRegistry) IsProducer(ctx context.Context, account types.ProducerId) (bool, error) {
	return r.producers.Exists(ctx, account)
}

// GetProducerDetails is the get_producer_details view.
func (r *ProducerRegistry) GetProducerDetails(ctx context.Context, account types.ProducerId) (*types.Producer, error) {
	producer, err := r.producers.Get(ctx, account)
	if err != nil {
		return nil, err
	}
	if producer == nil {
		return nil, fmt.Errorf("%w: producerId=%s", types.ErrProducerNotFound, account)
	}
	return producer, nil
}

// GetFee is the get_fee view.
func (r *ProducerRegistry) GetFee(ctx context.Context, account types.ProducerId) (types.ProducerFee, error) {
	producer, err := r.GetProducerDetails(ctx, account)
	if err != nil {
		return types.ProducerFee{}, err
	}
	return producer.Fee, nil
}

func (r *ProducerRegistry) emitUpdated(producer types.Producer) {
	if err := r.emitter.ProducerUpdated(producer.Snapshot()); err != nil {
		r.logger.Error().Err(err).Str("producerId", string(producer.AccountId)).Msg("failed to emit producer_updated event")
	}
}
