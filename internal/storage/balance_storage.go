package storage

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/intearnear/oraclebroker/internal/types"
)

// Balance read/write helpers operate directly on a caller-supplied
// transaction so that internal/fees can charge a fee and
// internal/broker can allocate a request id inside the very same
// Badger transaction (the atomicity unit described in spec.md §5).

// txReader is satisfied by both *RwTx and *RoTx.
type txReader interface {
	Get(TableName, []byte) ([]byte, error)
}

func GetNativeGeneral(tx txReader, consumer types.ConsumerId) (*uint256.Int, error) {
	return getAmount(tx, TableNativeGeneral, []byte(consumer))
}

func PutNativeGeneral(tx *RwTx, consumer types.ConsumerId, amount *uint256.Int) error {
	return putAmount(tx, TableNativeGeneral, []byte(consumer), amount)
}

func GetNativeByProducer(tx txReader, consumer types.ConsumerId, producer types.ProducerId) (*uint256.Int, error) {
	return getAmount(tx, TableNativeByProducer, JoinKey([]byte(consumer), []byte(producer)))
}

func PutNativeByProducer(tx *RwTx, consumer types.ConsumerId, producer types.ProducerId, amount *uint256.Int) error {
	return putAmount(tx, TableNativeByProducer, JoinKey([]byte(consumer), []byte(producer)), amount)
}

// DeleteNativeByProducer removes the per-producer entry entirely — storage
// hygiene required by spec.md §4.1 when a per-producer pool hits zero.
func DeleteNativeByProducer(tx *RwTx, consumer types.ConsumerId, producer types.ProducerId) error {
	return tx.Delete(TableNativeByProducer, JoinKey([]byte(consumer), []byte(producer)))
}

func GetFtGeneral(tx txReader, consumer types.ConsumerId, ft types.FtId) (*uint256.Int, error) {
	return getAmount(tx, TableFtGeneral, JoinKey([]byte(consumer), []byte(ft)))
}

func PutFtGeneral(tx *RwTx, consumer types.ConsumerId, ft types.FtId, amount *uint256.Int) error {
	return putAmount(tx, TableFtGeneral, JoinKey([]byte(consumer), []byte(ft)), amount)
}

func GetFtByProducer(tx txReader, consumer types.ConsumerId, producer types.ProducerId, ft types.FtId) (*uint256.Int, error) {
	return getAmount(tx, TableFtByProducer, JoinKey([]byte(consumer), []byte(producer), []byte(ft)))
}

func PutFtByProducer(tx *RwTx, consumer types.ConsumerId, producer types.ProducerId, ft types.FtId, amount *uint256.Int) error {
	return putAmount(tx, TableFtByProducer, JoinKey([]byte(consumer), []byte(producer), []byte(ft)), amount)
}

func DeleteFtByProducer(tx *RwTx, consumer types.ConsumerId, producer types.ProducerId, ft types.FtId) error {
	return tx.Delete(TableFtByProducer, JoinKey([]byte(consumer), []byte(producer), []byte(ft)))
}

func getAmount(tx txReader, table TableName, key []byte) (*uint256.Int, error) {
	data, err := tx.Get(table, key)
	if err != nil {
		if err == ErrKeyNotFound {
			return new(uint256.Int), nil
		}
		return nil, err
	}
	amount := new(uint256.Int)
	if err := amount.UnmarshalText(data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return amount, nil
}

func putAmount(tx *RwTx, table TableName, key []byte, amount *uint256.Int) error {
	data, err := amount.MarshalText()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return tx.Put(table, key, data)
}
