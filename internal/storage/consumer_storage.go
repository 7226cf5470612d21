package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/intearnear/oraclebroker/internal/types"
	"github.com/rs/zerolog"
)

// ConsumerStorage persists Consumer records (identity plus success/timeout
// counters). The four balance pools described in spec.md §3 live in
// separate tables, operated on by internal/ledger, so that crediting or
// debiting a balance never needs to rewrite the consumer's counters.
type ConsumerStorage struct {
	commonStorage
}

func NewConsumerStorage(db *DB, logger zerolog.Logger) *ConsumerStorage {
	return &ConsumerStorage{commonStorage: makeCommonStorage(db, logger, []error{ErrAlreadyExists})}
}

// Register creates a consumer record if absent; registering an
// already-registered account is a no-op (anyone may proxy-register any
// account, spec.md §4.3).
func (s *ConsumerStorage) Register(ctx context.Context, id types.ConsumerId) error {
	tx, err := s.db.CreateRwTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	exists, err := tx.Exists(TableConsumers, consumerKey(id))
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := putConsumer(tx, types.NewConsumer(id)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *ConsumerStorage) Get(ctx context.Context, id types.ConsumerId) (*types.Consumer, error) {
	tx, err := s.db.CreateRoTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return getConsumer(tx, id)
}

func (s *ConsumerStorage) Exists(ctx context.Context, id types.ConsumerId) (bool, error) {
	tx, err := s.db.CreateRoTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	return tx.Exists(TableConsumers, consumerKey(id))
}

// Update loads the current record, applies mutate, and persists the
// result. Returns types.ErrNotRegistered if the consumer has no record.
func (s *ConsumerStorage) Update(
	ctx context.Context,
	id types.ConsumerId,
	mutate func(*types.Consumer) error,
) (types.Consumer, error) {
	var result types.Consumer
	err := s.retryRunner.Do(ctx, func(ctx context.Context) error {
		tx, err := s.db.CreateRwTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		consumer, err := getConsumer(tx, id)
		if err != nil {
			return err
		}
		if consumer == nil {
			return fmt.Errorf("%w: consumerId=%s", types.ErrNotRegistered, id)
		}

		if err := mutate(consumer); err != nil {
			return err
		}
		if err := putConsumer(tx, *consumer); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		result = *consumer
		return nil
	})
	return result, err
}

// GetConsumerInTx and PutConsumerInTx expose the consumer record's
// load/store for the same reason GetProducerInTx/PutProducerInTx do:
// composing a counter update with fee settlement in one transaction.
// absent is nil if no consumer record exists yet (balances may be
// credited before explicit registration, SPEC_FULL.md §9).
func GetConsumerInTx(tx getter, id types.ConsumerId) (*types.Consumer, error) {
	return getConsumer(tx, id)
}

func PutConsumerInTx(tx *RwTx, consumer types.Consumer) error {
	return putConsumer(tx, consumer)
}

func consumerKey(id types.ConsumerId) []byte { return []byte(id) }

func putConsumer(tx *RwTx, consumer types.Consumer) error {
	data, err := json.Marshal(consumer)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return tx.Put(TableConsumers, consumerKey(consumer.AccountId), data)
}

func getConsumer(tx getter, id types.ConsumerId) (*types.Consumer, error) {
	data, err := tx.Get(TableConsumers, consumerKey(id))
	if err != nil {
		if err == ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	var consumer types.Consumer
	if err := json.Unmarshal(data, &consumer); err != nil {
		return nil, fmt.Errorf("%w: consumerId=%s: %w", ErrSerializationFailed, id, err)
	}
	return &consumer, nil
}
