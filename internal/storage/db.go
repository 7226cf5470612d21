// Package storage is the broker's persistence layer: a thin wrapper
// around an embedded Badger KV store, with every logical collection
// (producers, consumers, the four balance pools, pending requests, the
// request-id counter) addressed through a table-prefixed key so they can
// coexist under one backing namespace, per spec.md §6.
package storage

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"
)

// TableName discriminates one logical collection's keys from another's
// inside the single shared Badger namespace.
type TableName string

const (
	TableProducers        TableName = "producers"
	TableConsumers        TableName = "consumers"
	TablePendingRequests  TableName = "pending_requests"  // key: producerId|requestId
	TableNativeGeneral    TableName = "native_general"    // key: consumerId
	TableNativeByProducer TableName = "native_by_producer" // key: consumerId|producerId
	TableFtGeneral        TableName = "ft_general"         // key: consumerId|ftId
	TableFtByProducer     TableName = "ft_by_producer"      // key: consumerId|producerId|ftId
	TableMeta             TableName = "meta"                // next_request_id and similar scalars
	TableTokenIndex       TableName = "token_index"         // key: resumption token bytes
)

// ErrKeyNotFound mirrors badger.ErrKeyNotFound so callers don't need to
// import badger directly.
var ErrKeyNotFound = badger.ErrKeyNotFound

// DB owns the Badger handle backing every storage in this package.
type DB struct {
	bdb *badger.DB
}

// Open opens (creating if absent) the Badger store at path. An empty path
// opens an in-memory store, used by tests.
func Open(path string) (*DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &DB{bdb: bdb}, nil
}

func (d *DB) Close() error {
	return d.bdb.Close()
}

// RwTx is a single read-write transaction. Every broker operation commits
// at most one of these, which is this implementation's atomicity unit
// (the replacement for "atomic with respect to any other block-level
// operation", spec.md §5).
type RwTx struct {
	txn *badger.Txn
}

// RoTx is a read-only transaction, used by the view operations.
type RoTx struct {
	txn *badger.Txn
}

func (d *DB) CreateRwTx(_ context.Context) (*RwTx, error) {
	return &RwTx{txn: d.bdb.NewTransaction(true)}, nil
}

func (d *DB) CreateRoTx(_ context.Context) (*RoTx, error) {
	return &RoTx{txn: d.bdb.NewTransaction(false)}, nil
}

func (tx *RwTx) Commit() error { return tx.txn.Commit() }
func (tx *RwTx) Rollback()     { tx.txn.Discard() }
func (tx *RoTx) Rollback()     { tx.txn.Discard() }

func (tx *RwTx) Get(table TableName, key []byte) ([]byte, error) {
	return getTx(tx.txn, table, key)
}

func (tx *RoTx) Get(table TableName, key []byte) ([]byte, error) {
	return getTx(tx.txn, table, key)
}

func getTx(txn *badger.Txn, table TableName, key []byte) ([]byte, error) {
	item, err := txn.Get(makeKey(table, key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (tx *RwTx) Put(table TableName, key, value []byte) error {
	return tx.txn.Set(makeKey(table, key), value)
}

func (tx *RwTx) Delete(table TableName, key []byte) error {
	return tx.txn.Delete(makeKey(table, key))
}

func (tx *RwTx) Exists(table TableName, key []byte) (bool, error) {
	return existsTx(tx.txn, table, key)
}

func (tx *RoTx) Exists(table TableName, key []byte) (bool, error) {
	return existsTx(tx.txn, table, key)
}

func existsTx(txn *badger.Txn, table TableName, key []byte) (bool, error) {
	_, err := txn.Get(makeKey(table, key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Iterator walks a table's keys in order, with the table prefix already
// stripped from Key().
type Iterator struct {
	it     *badger.Iterator
	table  TableName
	prefix []byte
}

// Range returns an iterator over every key in table whose remainder
// starts with keyPrefix (nil = every key in the table).
func (tx *RoTx) Range(table TableName, keyPrefix []byte) *Iterator {
	prefix := makeKey(table, keyPrefix)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := tx.txn.NewIterator(opts)
	it.Seek(prefix)
	return &Iterator{it: it, table: table, prefix: prefix}
}

func (it *Iterator) HasNext() bool { return it.it.ValidForPrefix(it.prefix) }

func (it *Iterator) Next() (key, value []byte, err error) {
	item := it.it.Item()
	k := item.KeyCopy(nil)[len(makeKey(it.table, nil)):]
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, nil, err
	}
	it.it.Next()
	return k, v, nil
}

func (it *Iterator) Close() { it.it.Close() }

func makeKey(table TableName, key []byte) []byte {
	out := make([]byte, 0, len(table)+1+len(key))
	out = append(out, table...)
	out = append(out, 0x00)
	out = append(out, key...)
	return out
}

// JoinKey concatenates key parts with a 0x01 separator, used to build
// compound keys like consumerId|producerId.
func JoinKey(parts ...[]byte) []byte {
	out := make([]byte, 0)
	for i, p := range parts {
		if i > 0 {
			out = append(out, 0x01)
		}
		out = append(out, p...)
	}
	return out
}
