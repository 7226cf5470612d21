// Package fees implements the Fee Engine component: charging a
// producer's fee schedule against a consumer's escrow at request time,
// and refunding it — partially or fully — back to the originating pool
// at response or timeout time (spec.md §4.2).
package fees

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/intearnear/oraclebroker/internal/storage"
	"github.com/intearnear/oraclebroker/internal/types"
)

// Engine is stateless; every operation takes the caller's transaction so
// it composes atomically with request-id allocation and pending-request
// storage in internal/broker's Request/Respond operations.
type Engine struct{}

func New() *Engine { return &Engine{} }

// Charge covers producer's fee schedule from exactly one source, either
// attachedNative or one of the consumer's escrow pools, applying the
// charging policy from spec.md §4.2: attached value first, then the
// per-producer pool, then the general pool, failing the whole request if
// none of those alone covers it. attachedNative may be nil/zero when the call carried no attached
// value.
//
// FT fees never draw on attached value; attachedNative must be zero for
// a FeeFungibleToken schedule, and any nonzero attachedNative against a
// FeeNone schedule is an invalid payment (nothing to apply it to).
func (e *Engine) Charge(
	tx *storage.RwTx,
	consumer types.ConsumerId,
	producer types.ProducerId,
	fee types.ProducerFee,
	attachedNative *uint256.Int,
) (types.PrepaidFee, error) {
	attached := types.ZeroIfNil(attachedNative)

	switch fee.Kind {
	case types.FeeNone:
		if !types.IsZero(attached) {
			return types.PrepaidFee{}, fmt.Errorf("%w: producer %s charges no fee but call attached %s", types.ErrInvalidPayment, producer, attached)
		}
		return types.PrepaidFee{Kind: types.FeeNone}, nil

	case types.FeeNative:
		return e.chargeNative(tx, consumer, producer, fee, attached)

	case types.FeeFungibleToken:
		if !types.IsZero(attached) {
			return types.PrepaidFee{}, fmt.Errorf("%w: producer %s charges a fungible-token fee, native value cannot be attached", types.ErrInvalidPayment, producer)
		}
		return e.chargeFt(tx, consumer, producer, fee)

	default:
		return types.PrepaidFee{}, fmt.Errorf("%w: unknown fee kind %d", types.ErrProtocol, fee.Kind)
	}
}

func (e *Engine) chargeNative(
	tx *storage.RwTx,
	consumer types.ConsumerId,
	producer types.ProducerId,
	fee types.ProducerFee,
	attached *uint256.Int,
) (types.PrepaidFee, error) {
	need := fee.PrepaidAmount

	if attached.Cmp(need) >= 0 {
		// Attached value covers the fee outright. The whole attached
		// amount, including any excess above `need`, becomes the prepaid
		// fee; the excess goes to the producer at settlement unless the
		// response's refund amount returns it.
		return types.PrepaidFee{Kind: types.FeeNative, Amount: attached, Source: types.SourceAttachedToCall}, nil
	}

	perProducer, err := storage.GetNativeByProducer(tx, consumer, producer)
	if err != nil {
		return types.PrepaidFee{}, err
	}
	if perProducer.Cmp(need) >= 0 {
		updated, err := types.CheckedSub(perProducer, need)
		if err != nil {
			return types.PrepaidFee{}, err
		}
		if err := storeOrDeleteNativeByProducer(tx, consumer, producer, updated); err != nil {
			return types.PrepaidFee{}, err
		}
		return types.PrepaidFee{Kind: types.FeeNative, Amount: need, Source: types.SourceForSpecificProducer}, nil
	}

	general, err := storage.GetNativeGeneral(tx, consumer)
	if err != nil {
		return types.PrepaidFee{}, err
	}
	if general.Cmp(need) >= 0 {
		updated, err := types.CheckedSub(general, need)
		if err != nil {
			return types.PrepaidFee{}, err
		}
		if err := storage.PutNativeGeneral(tx, consumer, updated); err != nil {
			return types.PrepaidFee{}, err
		}
		return types.PrepaidFee{Kind: types.FeeNative, Amount: need, Source: types.SourceForAllProducers}, nil
	}

	return types.PrepaidFee{}, fmt.Errorf("%w: consumerId=%s producerId=%s needs %s", types.ErrInsufficientBalance, consumer, producer, need)
}

func (e *Engine) chargeFt(
	tx *storage.RwTx,
	consumer types.ConsumerId,
	producer types.ProducerId,
	fee types.ProducerFee,
) (types.PrepaidFee, error) {
	need := fee.PrepaidAmount

	perProducer, err := storage.GetFtByProducer(tx, consumer, producer, fee.Token)
	if err != nil {
		return types.PrepaidFee{}, err
	}
	if perProducer.Cmp(need) >= 0 {
		updated, err := types.CheckedSub(perProducer, need)
		if err != nil {
			return types.PrepaidFee{}, err
		}
		if err := storeOrDeleteFtByProducer(tx, consumer, producer, fee.Token, updated); err != nil {
			return types.PrepaidFee{}, err
		}
		return types.PrepaidFee{Kind: types.FeeFungibleToken, Amount: need, Token: fee.Token, Source: types.SourceForSpecificProducer}, nil
	}

	general, err := storage.GetFtGeneral(tx, consumer, fee.Token)
	if err != nil {
		return types.PrepaidFee{}, err
	}
	if general.Cmp(need) >= 0 {
		updated, err := types.CheckedSub(general, need)
		if err != nil {
			return types.PrepaidFee{}, err
		}
		if err := storage.PutFtGeneral(tx, consumer, fee.Token, updated); err != nil {
			return types.PrepaidFee{}, err
		}
		return types.PrepaidFee{Kind: types.FeeFungibleToken, Amount: need, Token: fee.Token, Source: types.SourceForAllProducers}, nil
	}

	return types.PrepaidFee{}, fmt.Errorf("%w: consumerId=%s producerId=%s ft=%s needs %s", types.ErrInsufficientBalance, consumer, producer, fee.Token, need)
}

// RefundPartially credits refundAmount back to prepaid's originating
// pool, leaving the rest as the producer's earned payout. Returns
// ErrRefundExceedsPrepaid if refundAmount exceeds what was prepaid.
func (e *Engine) RefundPartially(
	tx *storage.RwTx,
	consumer types.ConsumerId,
	producer types.ProducerId,
	prepaid types.PrepaidFee,
	refundAmount *uint256.Int,
) error {
	if prepaid.IsZero() {
		if !types.IsZero(refundAmount) {
			return fmt.Errorf("%w: no fee was prepaid", types.ErrRefundExceedsPrepaid)
		}
		return nil
	}
	refund := types.ZeroIfNil(refundAmount)
	if refund.Cmp(prepaid.Amount) > 0 {
		return fmt.Errorf("%w: refund %s exceeds prepaid %s", types.ErrRefundExceedsPrepaid, refund, prepaid.Amount)
	}
	if types.IsZero(refund) {
		return nil
	}
	return e.creditOriginPool(tx, consumer, producer, prepaid, refund)
}

// RefundFully returns the entire prepaid fee to its originating pool.
// The broker's timeout settlement does not call it; it calls
// RefundPartially with the full prepaid amount instead.
func (e *Engine) RefundFully(
	tx *storage.RwTx,
	consumer types.ConsumerId,
	producer types.ProducerId,
	prepaid types.PrepaidFee,
) error {
	if prepaid.IsZero() {
		return nil
	}
	return e.creditOriginPool(tx, consumer, producer, prepaid, prepaid.Amount)
}

// DepositToProducer credits a producer's earned share of a charged fee
// (prepaid minus whatever was refunded). It is the caller's
// responsibility to have already validated the payout does not exceed
// what was prepaid for this request.
func (e *Engine) DepositToProducer(
	tx *storage.RwTx,
	producer types.ProducerId,
	prepaid types.PrepaidFee,
	payout *uint256.Int,
) error {
	if types.IsZero(payout) {
		return nil
	}
	switch prepaid.Kind {
	case types.FeeNative:
		current, err := storage.GetNativeGeneral(tx, types.ConsumerId(producer))
		if err != nil {
			return err
		}
		updated, err := types.CheckedAdd(current, payout)
		if err != nil {
			return err
		}
		return storage.PutNativeGeneral(tx, types.ConsumerId(producer), updated)
	case types.FeeFungibleToken:
		current, err := storage.GetFtGeneral(tx, types.ConsumerId(producer), prepaid.Token)
		if err != nil {
			return err
		}
		updated, err := types.CheckedAdd(current, payout)
		if err != nil {
			return err
		}
		return storage.PutFtGeneral(tx, types.ConsumerId(producer), prepaid.Token, updated)
	default:
		return fmt.Errorf("%w: cannot deposit a payout for fee kind %d", types.ErrProtocol, prepaid.Kind)
	}
}

func (e *Engine) creditOriginPool(
	tx *storage.RwTx,
	consumer types.ConsumerId,
	producer types.ProducerId,
	prepaid types.PrepaidFee,
	amount *uint256.Int,
) error {
	switch prepaid.Source {
	case types.SourceAttachedToCall:
		// Never touched escrow, so there is no pool balance to credit
		// here. The caller (internal/broker.resolve) is responsible for
		// transferring amount back to consumer directly via
		// ledger.RefundAttached once this transaction commits.
		return nil
	case types.SourceForSpecificProducer:
		switch prepaid.Kind {
		case types.FeeNative:
			current, err := storage.GetNativeByProducer(tx, consumer, producer)
			if err != nil {
				return err
			}
			updated, err := types.CheckedAdd(current, amount)
			if err != nil {
				return err
			}
			return storage.PutNativeByProducer(tx, consumer, producer, updated)
		case types.FeeFungibleToken:
			current, err := storage.GetFtByProducer(tx, consumer, producer, prepaid.Token)
			if err != nil {
				return err
			}
			updated, err := types.CheckedAdd(current, amount)
			if err != nil {
				return err
			}
			return storage.PutFtByProducer(tx, consumer, producer, prepaid.Token, updated)
		}
	case types.SourceForAllProducers:
		switch prepaid.Kind {
		case types.FeeNative:
			current, err := storage.GetNativeGeneral(tx, consumer)
			if err != nil {
				return err
			}
			updated, err := types.CheckedAdd(current, amount)
			if err != nil {
				return err
			}
			return storage.PutNativeGeneral(tx, consumer, updated)
		case types.FeeFungibleToken:
			current, err := storage.GetFtGeneral(tx, consumer, prepaid.Token)
			if err != nil {
				return err
			}
			updated, err := types.CheckedAdd(current, amount)
			if err != nil {
				return err
			}
			return storage.PutFtGeneral(tx, consumer, prepaid.Token, updated)
		}
	}
	return fmt.Errorf("%w: unrecognized prepaid fee source %d", types.ErrProtocol, prepaid.Source)
}

func storeOrDeleteNativeByProducer(tx *storage.RwTx, consumer types.ConsumerId, producer types.ProducerId, amount *uint256.Int) error {
	if amount.IsZero() {
		return storage.DeleteNativeByProducer(tx, consumer, producer)
	}
	return storage.PutNativeByProducer(tx, consumer, producer, amount)
}

func storeOrDeleteFtByProducer(tx *storage.RwTx, consumer types.ConsumerId, producer types.ProducerId, ft types.FtId, amount *uint256.Int) error {
	if amount.IsZero() {
		return storage.DeleteFtByProducer(tx, consumer, producer, ft)
	}
	return storage.PutFtByProducer(tx, consumer, producer, ft, amount)
}
