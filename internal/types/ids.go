// Package types holds the broker's core data model: account identifiers,
// request lifecycle types, producer/consumer records and the fee
// bookkeeping types shared by every other package.
package types

import (
	"fmt"

	"github.com/google/uuid"
)

// ProducerId identifies a registered producer account.
type ProducerId string

// ConsumerId identifies a registered (or not yet registered) consumer
// account.
type ConsumerId string

// FtId identifies a fungible token by its issuing account.
type FtId string

// RequestId is a process-wide, strictly increasing, never-reused request
// sequence number (spec invariant: request ids never repeat).
type RequestId uint64

func (r RequestId) String() string { return fmt.Sprintf("%d", uint64(r)) }

// ResumptionToken is the host-issued, single-use handle bound to one
// suspended request. It is opaque to callers; internally it is a 16-byte
// UUID, matching the "fixed-width byte hash" the spec calls for.
type ResumptionToken uuid.UUID

// NewResumptionToken mints a fresh, random token.
func NewResumptionToken() ResumptionToken {
	return ResumptionToken(uuid.New())
}

func (t ResumptionToken) String() string {
	return uuid.UUID(t).String()
}

// Bytes returns the token's fixed-width byte representation.
func (t ResumptionToken) Bytes() []byte {
	raw := uuid.UUID(t)
	return raw[:]
}

// MarshalText and UnmarshalText round-trip a token as its string form
// in JSON, rather than as a raw 16-element byte array (the default for
// a fixed-size array type with no marshaler of its own).
func (t ResumptionToken) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *ResumptionToken) UnmarshalText(text []byte) error {
	parsed, err := uuid.ParseBytes(text)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	*t = ResumptionToken(parsed)
	return nil
}
