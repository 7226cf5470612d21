package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/intearnear/oraclebroker/internal/types"
)

var nextRequestIdKey = []byte("next_request_id")

// NextRequestId reads and atomically increments the process-wide request
// id counter inside tx. Ids are never reused (spec.md invariant I2).
func NextRequestId(tx *RwTx) (types.RequestId, error) {
	data, err := tx.Get(TableMeta, nextRequestIdKey)
	var current uint64
	if err != nil {
		if err != ErrKeyNotFound {
			return 0, err
		}
		current = 0
	} else {
		current = binary.BigEndian.Uint64(data)
	}

	next := make([]byte, 8)
	binary.BigEndian.PutUint64(next, current+1)
	if err := tx.Put(TableMeta, nextRequestIdKey, next); err != nil {
		return 0, err
	}
	return types.RequestId(current), nil
}

// pendingPrefix is the key prefix shared by every pending-request entry
// for one producer; it always ends in the 0x01 separator so that a prefix
// scan for producer "ab" never also matches producer "abc"'s entries.
func pendingPrefix(producer types.ProducerId) []byte {
	return append([]byte(producer), 0x01)
}

func pendingKey(producer types.ProducerId, requestId types.RequestId) []byte {
	idBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(idBytes, uint64(requestId))
	return append(pendingPrefix(producer), idBytes...)
}

// PutPendingRequest stores the resumption handle for requestId under
// producer — Producer.requests_pending in spec.md §3.
func PutPendingRequest(tx *RwTx, producer types.ProducerId, pending types.PendingRequest) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return tx.Put(TablePendingRequests, pendingKey(producer, pending.RequestId), data)
}

// GetPendingRequest looks up a pending request by (producer, requestId);
// returns (nil, nil) if absent.
func GetPendingRequest(tx txReader, producer types.ProducerId, requestId types.RequestId) (*types.PendingRequest, error) {
	data, err := tx.Get(TablePendingRequests, pendingKey(producer, requestId))
	if err != nil {
		if err == ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	var pending types.PendingRequest
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return &pending, nil
}

// DeletePendingRequest removes the resumption handle. Invariant I3
// requires this to happen before the host resumes the continuation;
// callers must call this inside the same transaction that decides to
// resume, before actually resuming.
func DeletePendingRequest(tx *RwTx, producer types.ProducerId, requestId types.RequestId) error {
	return tx.Delete(TablePendingRequests, pendingKey(producer, requestId))
}

// tokenIndexEntry is the (producer, requestId) a resumption token
// resolves to, so the deadline sweeper — which only ever learns a bare
// token from internal/continuation.Host — can find the pending request
// it belongs to.
type tokenIndexEntry struct {
	Producer  types.ProducerId `json:"producer"`
	RequestId types.RequestId  `json:"requestId"`
}

func PutTokenIndex(tx *RwTx, token types.ResumptionToken, producer types.ProducerId, requestId types.RequestId) error {
	data, err := json.Marshal(tokenIndexEntry{Producer: producer, RequestId: requestId})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return tx.Put(TableTokenIndex, token.Bytes(), data)
}

// GetTokenIndex resolves a token to its (producer, requestId); ok is
// false if the token is unknown or was already cleaned up by the other
// side of a respond/timeout race.
func GetTokenIndex(tx txReader, token types.ResumptionToken) (producer types.ProducerId, requestId types.RequestId, ok bool, err error) {
	data, err := tx.Get(TableTokenIndex, token.Bytes())
	if err != nil {
		if err == ErrKeyNotFound {
			return "", 0, false, nil
		}
		return "", 0, false, err
	}
	var entry tokenIndexEntry
	if jsonErr := json.Unmarshal(data, &entry); jsonErr != nil {
		return "", 0, false, fmt.Errorf("%w: %w", ErrSerializationFailed, jsonErr)
	}
	return entry.Producer, entry.RequestId, true, nil
}

func DeleteTokenIndex(tx *RwTx, token types.ResumptionToken) error {
	return tx.Delete(TableTokenIndex, token.Bytes())
}

// CountPendingRequests returns the number of requests currently pending
// for a producer — used to derive the informational requests_pending
// count without storing it redundantly (SPEC_FULL.md §10).
func CountPendingRequests(tx *RoTx, producer types.ProducerId) (int, error) {
	it := tx.Range(TablePendingRequests, pendingPrefix(producer))
	defer it.Close()

	count := 0
	for it.HasNext() {
		if _, _, err := it.Next(); err != nil {
			return 0, err
		}
		count++
	}
	return count, nil
}
