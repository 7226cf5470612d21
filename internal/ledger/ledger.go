// Package ledger implements the Balance Ledger component: consumer
// escrow in two asset kinds (native, fungible token), each split into a
// general pool and per-producer earmarked pools, per spec.md §4.1.
package ledger

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/intearnear/oraclebroker/internal/storage"
	"github.com/intearnear/oraclebroker/internal/types"
	"github.com/rs/zerolog"
)

// FtTransferer performs the outbound cross-account token transfer for
// WithdrawFt (the Fee Engine's producer payouts are credited in storage
// and never go through it). In a real NEAR/EVM
// deployment this would be a cross-contract call; here it is whatever
// account system the broker is embedded in.
type FtTransferer interface {
	Transfer(ctx context.Context, token types.FtId, to string, amount *uint256.Int) error
}

// NativeTransferer performs the outbound native-token transfer for
// WithdrawNative and AttachedToCall refunds.
type NativeTransferer interface {
	Transfer(ctx context.Context, to string, amount *uint256.Int) error
}

// Ledger is the Balance Ledger component.
type Ledger struct {
	db        *storage.DB
	producers *storage.ProducerStorage
	consumers *storage.ConsumerStorage
	native    NativeTransferer
	ft        FtTransferer
	logger    zerolog.Logger
}

func New(
	db *storage.DB,
	producers *storage.ProducerStorage,
	consumers *storage.ConsumerStorage,
	native NativeTransferer,
	ft FtTransferer,
	logger zerolog.Logger,
) *Ledger {
	return &Ledger{db: db, producers: producers, consumers: consumers, native: native, ft: ft, logger: logger}
}

// DepositNative attaches native funds to consumer's escrow, into the
// general pool or — if producer is non-empty — the earmarked pool for
// that producer. producer must already be registered.
func (l *Ledger) DepositNative(ctx context.Context, consumer types.ConsumerId, producer types.ProducerId, amount *uint256.Int) error {
	if err := l.requireConsumerRegistered(ctx, consumer); err != nil {
		return err
	}
	if producer != "" {
		if err := l.requireProducerRegistered(ctx, producer); err != nil {
			return err
		}
	}

	tx, err := l.db.CreateRwTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if producer == "" {
		current, err := storage.GetNativeGeneral(tx, consumer)
		if err != nil {
			return err
		}
		updated, err := types.CheckedAdd(current, amount)
		if err != nil {
			return err
		}
		if err := storage.PutNativeGeneral(tx, consumer, updated); err != nil {
			return err
		}
	} else {
		current, err := storage.GetNativeByProducer(tx, consumer, producer)
		if err != nil {
			return err
		}
		updated, err := types.CheckedAdd(current, amount)
		if err != nil {
			return err
		}
		if err := storage.PutNativeByProducer(tx, consumer, producer, updated); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	l.logger.Info().
		Str("consumerId", string(consumer)).
		Str("producerId", string(producer)).
		Str("amount", amount.String()).
		Msg("native deposit credited")
	return nil
}

// WithdrawNative debits the addressed pool and transfers amount to the
// caller. If the per-producer pool reaches zero, its entry is removed.
func (l *Ledger) WithdrawNative(ctx context.Context, consumer types.ConsumerId, producer types.ProducerId, amount *uint256.Int) error {
	if err := l.requireConsumerRegistered(ctx, consumer); err != nil {
		return err
	}

	tx, err := l.db.CreateRwTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if producer == "" {
		current, err := storage.GetNativeGeneral(tx, consumer)
		if err != nil {
			return err
		}
		updated, err := types.CheckedSub(current, amount)
		if err != nil {
			return fmt.Errorf("%w: consumerId=%s", types.ErrInsufficientBalance, consumer)
		}
		if err := storage.PutNativeGeneral(tx, consumer, updated); err != nil {
			return err
		}
	} else {
		current, err := storage.GetNativeByProducer(tx, consumer, producer)
		if err != nil {
			return err
		}
		updated, err := types.CheckedSub(current, amount)
		if err != nil {
			return fmt.Errorf("%w: consumerId=%s producerId=%s", types.ErrInsufficientBalance, consumer, producer)
		}
		if updated.IsZero() {
			if err := storage.DeleteNativeByProducer(tx, consumer, producer); err != nil {
				return err
			}
		} else if err := storage.PutNativeByProducer(tx, consumer, producer, updated); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if err := l.native.Transfer(ctx, string(consumer), amount); err != nil {
		l.logger.Error().Err(err).Str("consumerId", string(consumer)).Msg("native withdrawal transfer failed after debit committed")
		return err
	}

	l.logger.Info().
		Str("consumerId", string(consumer)).
		Str("producerId", string(producer)).
		Str("amount", amount.String()).
		Msg("native withdrawal settled")
	return nil
}

// DepositFt credits ft to the given pool; invoked by the token receiver
// callback (internal/ftreceiver), not a direct public operation.
func (l *Ledger) DepositFt(ctx context.Context, consumer types.ConsumerId, producer types.ProducerId, ft types.FtId, amount *uint256.Int) error {
	if producer != "" {
		if err := l.requireProducerRegistered(ctx, producer); err != nil {
			return err
		}
	}

	tx, err := l.db.CreateRwTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if producer == "" {
		current, err := storage.GetFtGeneral(tx, consumer, ft)
		if err != nil {
			return err
		}
		updated, err := types.CheckedAdd(current, amount)
		if err != nil {
			return err
		}
		if err := storage.PutFtGeneral(tx, consumer, ft, updated); err != nil {
			return err
		}
	} else {
		current, err := storage.GetFtByProducer(tx, consumer, producer, ft)
		if err != nil {
			return err
		}
		updated, err := types.CheckedAdd(current, amount)
		if err != nil {
			return err
		}
		if err := storage.PutFtByProducer(tx, consumer, producer, ft, updated); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// WithdrawFt debits the addressed FT pool and transfers it out via a
// cross-contract-style token call.
func (l *Ledger) WithdrawFt(ctx context.Context, consumer types.ConsumerId, producer types.ProducerId, ft types.FtId, amount *uint256.Int) error {
	if err := l.requireConsumerRegistered(ctx, consumer); err != nil {
		return err
	}

	tx, err := l.db.CreateRwTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if producer == "" {
		current, err := storage.GetFtGeneral(tx, consumer, ft)
		if err != nil {
			return err
		}
		updated, err := types.CheckedSub(current, amount)
		if err != nil {
			return fmt.Errorf("%w: consumerId=%s ft=%s", types.ErrInsufficientBalance, consumer, ft)
		}
		if err := storage.PutFtGeneral(tx, consumer, ft, updated); err != nil {
			return err
		}
	} else {
		current, err := storage.GetFtByProducer(tx, consumer, producer, ft)
		if err != nil {
			return err
		}
		updated, err := types.CheckedSub(current, amount)
		if err != nil {
			return fmt.Errorf("%w: consumerId=%s producerId=%s ft=%s", types.ErrInsufficientBalance, consumer, producer, ft)
		}
		if updated.IsZero() {
			if err := storage.DeleteFtByProducer(tx, consumer, producer, ft); err != nil {
				return err
			}
		} else if err := storage.PutFtByProducer(tx, consumer, producer, ft, updated); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if err := l.ft.Transfer(ctx, ft, string(consumer), amount); err != nil {
		l.logger.Error().Err(err).Str("consumerId", string(consumer)).Str("ftId", string(ft)).Msg("ft withdrawal transfer failed after debit committed")
		return err
	}
	return nil
}

// RefundAttached pays amount directly to consumer. It is the settlement
// path for a PrepaidFee sourced from a request's attached value
// (types.SourceAttachedToCall): that value never touched an escrow pool,
// so there is nothing to debit here, only the outbound transfer the Fee
// Engine's pool-backed refunds get from storage.PutNativeGeneral/
// PutNativeByProducer plus the producer payout's own withdrawal.
func (l *Ledger) RefundAttached(ctx context.Context, consumer types.ConsumerId, amount *uint256.Int) error {
	if types.IsZero(amount) {
		return nil
	}
	if err := l.native.Transfer(ctx, string(consumer), amount); err != nil {
		l.logger.Error().Err(err).Str("consumerId", string(consumer)).Msg("attached-value refund transfer failed")
		return err
	}
	return nil
}

// GetDepositNative is the get_deposit_native view.
func (l *Ledger) GetDepositNative(ctx context.Context, consumer types.ConsumerId, producer types.ProducerId) (*uint256.Int, error) {
	tx, err := l.db.CreateRoTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if producer == "" {
		return storage.GetNativeGeneral(tx, consumer)
	}
	return storage.GetNativeByProducer(tx, consumer, producer)
}

// GetDepositFt is the get_deposit_ft view.
func (l *Ledger) GetDepositFt(ctx context.Context, consumer types.ConsumerId, producer types.ProducerId, ft types.FtId) (*uint256.Int, error) {
	tx, err := l.db.CreateRoTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if producer == "" {
		return storage.GetFtGeneral(tx, consumer, ft)
	}
	return storage.GetFtByProducer(tx, consumer, producer, ft)
}

func (l *Ledger) requireConsumerRegistered(ctx context.Context, consumer types.ConsumerId) error {
	ok, err := l.consumers.Exists(ctx, consumer)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: consumerId=%s", types.ErrNotRegistered, consumer)
	}
	return nil
}

func (l *Ledger) requireProducerRegistered(ctx context.Context, producer types.ProducerId) error {
	ok, err := l.producers.Exists(ctx, producer)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: producerId=%s", types.ErrProducerNotFound, producer)
	}
	return nil
}
