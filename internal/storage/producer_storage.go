package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/intearnear/oraclebroker/internal/types"
	"github.com/rs/zerolog"
)

// ProducerStorage persists Producer records. Pending-request handles are
// kept in a separate table (TablePendingRequests) rather than nested
// inside the producer's own blob, so adding one pending request doesn't
// require rewriting the whole producer record; the functions in
// request_storage.go reconstruct the logical "sub-map keyed by producer" view spec.md §3
// describes.
type ProducerStorage struct {
	commonStorage
}

func NewProducerStorage(db *DB, logger zerolog.Logger) *ProducerStorage {
	return &ProducerStorage{commonStorage: makeCommonStorage(db, logger, []error{ErrAlreadyExists})}
}

// Create inserts a brand-new producer record. Returns ErrAlreadyExists if
// the account is already registered.
func (s *ProducerStorage) Create(ctx context.Context, producer types.Producer) error {
	return s.retryRunner.Do(ctx, func(ctx context.Context) error {
		tx, err := s.db.CreateRwTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		exists, err := tx.Exists(TableProducers, producerKey(producer.AccountId))
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: producerId=%s", ErrAlreadyExists, producer.AccountId)
		}
		if err := putProducer(tx, producer); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Get retrieves a producer by id, or (nil, nil) if it doesn't exist.
func (s *ProducerStorage) Get(ctx context.Context, id types.ProducerId) (*types.Producer, error) {
	tx, err := s.db.CreateRoTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return getProducer(tx, id)
}

// Exists reports whether a producer with the given id is registered.
func (s *ProducerStorage) Exists(ctx context.Context, id types.ProducerId) (bool, error) {
	tx, err := s.db.CreateRoTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	return tx.Exists(TableProducers, producerKey(id))
}

// Update loads the current record, applies mutate, and persists the
// result in the same transaction. Returns types.ErrNotRegistered if no
// such producer is registered.
func (s *ProducerStorage) Update(
	ctx context.Context,
	id types.ProducerId,
	mutate func(*types.Producer) error,
) (types.Producer, error) {
	var result types.Producer
	err := s.retryRunner.Do(ctx, func(ctx context.Context) error {
		tx, err := s.db.CreateRwTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		producer, err := getProducer(tx, id)
		if err != nil {
			return err
		}
		if producer == nil {
			return fmt.Errorf("%w: producerId=%s", types.ErrNotRegistered, id)
		}

		if err := mutate(producer); err != nil {
			return err
		}
		if err := putProducer(tx, *producer); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		result = *producer
		return nil
	})
	return result, err
}

// GetProducerInTx and PutProducerInTx expose the producer record's
// load/store to callers (internal/broker's Request/Respond) that need
// to compose a producer mutation with fee and pending-request changes
// inside one shared transaction.
func GetProducerInTx(tx getter, id types.ProducerId) (*types.Producer, error) {
	return getProducer(tx, id)
}

func PutProducerInTx(tx *RwTx, producer types.Producer) error {
	return putProducer(tx, producer)
}

func producerKey(id types.ProducerId) []byte { return []byte(id) }

func putProducer(tx *RwTx, producer types.Producer) error {
	data, err := json.Marshal(producer)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return tx.Put(TableProducers, producerKey(producer.AccountId), data)
}

type getter interface {
	Get(TableName, []byte) ([]byte, error)
}

func getProducer(tx getter, id types.ProducerId) (*types.Producer, error) {
	data, err := tx.Get(TableProducers, producerKey(id))
	if err != nil {
		if err == ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	var producer types.Producer
	if err := json.Unmarshal(data, &producer); err != nil {
		return nil, fmt.Errorf("%w: producerId=%s: %w", ErrSerializationFailed, id, err)
	}
	return &producer, nil
}
