// Package ftreceiver implements the Fungible-Token Receiver component:
// the ft_on_transfer callback a token contract invokes after moving
// tokens into the broker's custody (spec.md §4.6).
package ftreceiver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/intearnear/oraclebroker/internal/types"
	"github.com/rs/zerolog"
)

// Depositor is the subset of internal/ledger.Ledger the receiver needs.
type Depositor interface {
	DepositFt(ctx context.Context, consumer types.ConsumerId, producer types.ProducerId, ft types.FtId, amount *uint256.Int) error
}

// transferMsg is the JSON payload attached to an ft_transfer_call,
// telling the broker which pool to credit. An empty message credits
// the sender's own general pool.
type transferMsg struct {
	AccountId  *string `json:"accountId,omitempty"`
	ProducerId *string `json:"producerId,omitempty"`
}

// Receiver credits incoming fungible-token transfers to the right
// escrow pool.
type Receiver struct {
	ledger Depositor
	logger zerolog.Logger
}

func New(ledger Depositor, logger zerolog.Logger) *Receiver {
	return &Receiver{ledger: ledger, logger: logger}
}

// FtOnTransfer credits amount of ft, sent by sender, to the pool msg
// selects, and reports how much of amount the broker did NOT consume
// (always zero here — the broker either accepts a transfer in full or
// fails the call, it never partially refunds an ft_on_transfer).
func (r *Receiver) FtOnTransfer(ctx context.Context, ft types.FtId, sender types.ConsumerId, amount *uint256.Int, msg string) (*uint256.Int, error) {
	consumer := sender
	var producer types.ProducerId

	if msg != "" {
		var parsed transferMsg
		if err := json.Unmarshal([]byte(msg), &parsed); err != nil {
			return nil, fmt.Errorf("%w: malformed ft_on_transfer msg: %w", types.ErrInvalidPayment, err)
		}
		if parsed.AccountId != nil {
			consumer = types.ConsumerId(*parsed.AccountId)
		}
		if parsed.ProducerId != nil {
			producer = types.ProducerId(*parsed.ProducerId)
		}
	}

	if err := r.ledger.DepositFt(ctx, consumer, producer, ft, amount); err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("ftId", string(ft)).
		Str("consumerId", string(consumer)).
		Str("producerId", string(producer)).
		Str("amount", amount.String()).
		Msg("fungible token deposit credited")

	return new(uint256.Int), nil
}
