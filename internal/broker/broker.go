// Package broker implements the Request State Machine component and
// ties every other component into the single facade that exposes the
// contract's full external surface (spec.md §4.5, §6).
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/intearnear/oraclebroker/internal/common/retry"
	"github.com/intearnear/oraclebroker/internal/continuation"
	"github.com/intearnear/oraclebroker/internal/events"
	"github.com/intearnear/oraclebroker/internal/fees"
	"github.com/intearnear/oraclebroker/internal/ftreceiver"
	"github.com/intearnear/oraclebroker/internal/ledger"
	"github.com/intearnear/oraclebroker/internal/metrics"
	"github.com/intearnear/oraclebroker/internal/registry"
	"github.com/intearnear/oraclebroker/internal/storage"
	"github.com/intearnear/oraclebroker/internal/types"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// RequestDispatcher delivers a newly allocated request to its producer
// (spec.md §6's producer-side on_request callback). It is invoked
// fire-and-forget: the producer is expected to eventually call Respond
// on its own schedule, independently of this call returning.
type RequestDispatcher interface {
	OnRequest(ctx context.Context, producer types.ProducerId, requestId types.RequestId, consumer types.ConsumerId, requestData string)
}

// Broker is the facade every transport (internal/transport,
// internal/ftreceiver's caller) drives. It owns no state of its own;
// every field is a previously-constructed component.
type Broker struct {
	db               *storage.DB
	producers        *storage.ProducerStorage
	consumers        *storage.ConsumerStorage
	ledger           *ledger.Ledger
	fees             *fees.Engine
	producerRegistry *registry.ProducerRegistry
	consumerRegistry *registry.ConsumerRegistry
	emitter          *events.Emitter
	host             *continuation.Host
	ftReceiver       *ftreceiver.Receiver
	dispatcher       RequestDispatcher
	clock            clockwork.Clock
	retryRunner      *retry.Runner
	metrics          *metrics.BrokerMetrics
	logger           zerolog.Logger
}

// SetMetrics wires an OTel instrument set. Metrics are optional: a
// Broker with none set simply records nothing (every metrics call is
// nil-safe).
func (b *Broker) SetMetrics(m *metrics.BrokerMetrics) {
	b.metrics = m
}

func New(
	db *storage.DB,
	producers *storage.ProducerStorage,
	consumers *storage.ConsumerStorage,
	ledgerImpl *ledger.Ledger,
	feeEngine *fees.Engine,
	producerRegistry *registry.ProducerRegistry,
	consumerRegistry *registry.ConsumerRegistry,
	emitter *events.Emitter,
	host *continuation.Host,
	ftReceiver *ftreceiver.Receiver,
	dispatcher RequestDispatcher,
	clock clockwork.Clock,
	logger zerolog.Logger,
) *Broker {
	b := &Broker{
		db:               db,
		producers:        producers,
		consumers:        consumers,
		ledger:           ledgerImpl,
		fees:             feeEngine,
		producerRegistry: producerRegistry,
		consumerRegistry: consumerRegistry,
		emitter:          emitter,
		host:             host,
		ftReceiver:       ftReceiver,
		dispatcher:       dispatcher,
		clock:            clock,
		retryRunner:      retry.NewRunner(3, 5*time.Millisecond, retry.DoNotRetryIf(types.ErrRequestNotFound, types.ErrProducerNotFound, types.ErrInsufficientBalance, types.ErrInvalidPayment, types.ErrRefundExceedsPrepaid)),
		logger:           logger,
	}
	host.SetTimeoutHandler(b)
	return b
}

// --- Producer / consumer registry surface -------------------------------

func (b *Broker) RegisterConsumer(ctx context.Context, account types.ConsumerId) error {
	return b.consumerRegistry.RegisterConsumer(ctx, account)
}

func (b *Broker) IsRegisteredAsConsumer(ctx context.Context, account types.ConsumerId) (bool, error) {
	return b.consumerRegistry.IsRegisteredAsConsumer(ctx, account)
}

func (b *Broker) AddProducer(ctx context.Context, account types.ProducerId, name, description string, exampleInput *string) (types.Producer, error) {
	return b.producerRegistry.AddProducer(ctx, account, name, description, exampleInput)
}

func (b *Broker) EditProducerDetails(ctx context.Context, account types.ProducerId, name, description string, exampleInput *string) (types.Producer, error) {
	return b.producerRegistry.EditProducerDetails(ctx, account, name, description, exampleInput)
}

func (b *Broker) SetFee(ctx context.Context, account types.ProducerId, fee types.ProducerFee) (types.Producer, error) {
	return b.producerRegistry.SetFee(ctx, account, fee)
}

func (b *Broker) SetSendCallback(ctx context.Context, account types.ProducerId, enabled bool) (types.Producer, error) {
	return b.producerRegistry.SetSendCallback(ctx, account, enabled)
}

func (b *Broker) IsProducer(ctx context.Context, account types.ProducerId) (bool, error) {
	return b.producerRegistry.IsProducer(ctx, account)
}

func (b *Broker) GetProducerDetails(ctx context.Context, account types.ProducerId) (*types.Producer, error) {
	return b.producerRegistry.GetProducerDetails(ctx, account)
}

func (b *Broker) GetFee(ctx context.Context, account types.ProducerId) (types.ProducerFee, error) {
	return b.producerRegistry.GetFee(ctx, account)
}

// --- Balance ledger surface ----------------------------------------------

func (b *Broker) DepositNative(ctx context.Context, consumer types.ConsumerId, producer types.ProducerId, amount *uint256.Int) error {
	return b.ledger.DepositNative(ctx, consumer, producer, amount)
}

func (b *Broker) WithdrawNative(ctx context.Context, consumer types.ConsumerId, producer types.ProducerId, amount *uint256.Int) error {
	return b.ledger.WithdrawNative(ctx, consumer, producer, amount)
}

func (b *Broker) WithdrawFt(ctx context.Context, consumer types.ConsumerId, producer types.ProducerId, ft types.FtId, amount *uint256.Int) error {
	return b.ledger.WithdrawFt(ctx, consumer, producer, ft, amount)
}

func (b *Broker) GetDepositNative(ctx context.Context, consumer types.ConsumerId, producer types.ProducerId) (*uint256.Int, error) {
	return b.ledger.GetDepositNative(ctx, consumer, producer)
}

func (b *Broker) GetDepositFt(ctx context.Context, consumer types.ConsumerId, producer types.ProducerId, ft types.FtId) (*uint256.Int, error) {
	return b.ledger.GetDepositFt(ctx, consumer, producer, ft)
}

func (b *Broker) FtOnTransfer(ctx context.Context, ft types.FtId, sender types.ConsumerId, amount *uint256.Int, msg string) (*uint256.Int, error) {
	return b.ftReceiver.FtOnTransfer(ctx, ft, sender, amount, msg)
}

// --- Request state machine ------------------------------------------------

// Request allocates a new RequestId, charges producer's fee schedule
// against attachedNative and/or consumer's escrow, emits the Request
// event, dispatches to the producer if its SendCallback flag is set, and
// blocks until Respond resolves
// it or the deadline elapses (spec.md §4.5, "request").
func (b *Broker) Request(
	ctx context.Context,
	consumer types.ConsumerId,
	producer types.ProducerId,
	requestData string,
	attachedNative *uint256.Int,
) (string, error) {
	producerRec, err := b.producers.Get(ctx, producer)
	if err != nil {
		return "", err
	}
	if producerRec == nil {
		return "", fmt.Errorf("%w: producerId=%s", types.ErrProducerNotFound, producer)
	}

	attached := types.ZeroIfNil(attachedNative)
	attachedCoversFee := producerRec.Fee.Kind == types.FeeNative && attached.Cmp(types.ZeroIfNil(producerRec.Fee.PrepaidAmount)) >= 0

	// SPEC_FULL.md §9 (Open Question 1): a request funded entirely by its
	// own attached value never needs the consumer to be registered —
	// there is no pool to look up.
	if !attachedCoversFee {
		registered, err := b.consumers.Exists(ctx, consumer)
		if err != nil {
			return "", err
		}
		if !registered {
			return "", fmt.Errorf("%w: consumerId=%s", types.ErrNotRegistered, consumer)
		}
	}

	deadline := b.clock.Now().Add(continuation.DefaultDeadline)
	token, outcomeCh := b.host.Suspend(deadline)

	var requestId types.RequestId
	err = b.retryRunner.Do(ctx, func(ctx context.Context) error {
		tx, err := b.db.CreateRwTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rec, err := storage.GetProducerInTx(tx, producer)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("%w: producerId=%s", types.ErrProducerNotFound, producer)
		}

		// The fee may have changed since producerRec was read; if the
		// fresh fee is no longer covered by the attached value, the charge
		// draws on escrow and the consumer must be registered.
		if !(rec.Fee.Kind == types.FeeNative && attached.Cmp(types.ZeroIfNil(rec.Fee.PrepaidAmount)) >= 0) {
			consumerRec, err := storage.GetConsumerInTx(tx, consumer)
			if err != nil {
				return err
			}
			if consumerRec == nil {
				return fmt.Errorf("%w: consumerId=%s", types.ErrNotRegistered, consumer)
			}
		}

		charged, err := b.fees.Charge(tx, consumer, producer, rec.Fee, attachedNative)
		if err != nil {
			return err
		}

		id, err := storage.NextRequestId(tx)
		if err != nil {
			return err
		}

		pending := types.PendingRequest{RequestId: id, ConsumerId: consumer, ResumptionToken: token, PrepaidFee: charged}
		if err := storage.PutPendingRequest(tx, producer, pending); err != nil {
			return err
		}
		if err := storage.PutTokenIndex(tx, token, producer, id); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		requestId = id
		return nil
	})
	if err != nil {
		b.host.Cancel(token)
		b.metrics.FeeChargeFailed(ctx, string(producer))
		return "", err
	}
	b.metrics.RequestStarted(ctx, string(producer))
	startedAt := b.clock.Now()

	if err := b.emitter.Request(types.RequestEventData{
		ProducerId:  producer,
		ConsumerId:  consumer,
		RequestId:   requestId,
		RequestData: requestData,
	}); err != nil {
		b.logger.Error().Err(err).Uint64("requestId", uint64(requestId)).Msg("failed to emit request event")
	}

	// spec.md §4.4: on_request is only delivered to producers that opted
	// into it via SetSendCallback.
	if b.dispatcher != nil && producerRec.SendCallback {
		go b.dispatcher.OnRequest(context.Background(), producer, requestId, consumer, requestData)
	}

	select {
	case outcome := <-outcomeCh:
		elapsed := b.clock.Since(startedAt).Seconds()
		if outcome.TimedOut() {
			b.metrics.RequestTimedOut(ctx, string(producer), elapsed)
			return "", fmt.Errorf("%w: requestId=%d", types.ErrRequestTimedOut, requestId)
		}
		b.metrics.RequestSucceeded(ctx, string(producer), elapsed)
		return outcome.Response.ResponseData, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Respond settles a pending request with producer's response, refunding
// response.RefundAmount back to the fee's originating pool and crediting
// the remainder to producer, then resumes the blocked Request call
// (spec.md §4.5, "respond").
func (b *Broker) Respond(ctx context.Context, producer types.ProducerId, requestId types.RequestId, response types.Response) error {
	return b.resolve(ctx, producer, requestId, types.Outcome{Response: &response})
}

// HandleTimeout implements continuation.TimeoutHandler: it resolves the
// sweeper's bare token back to a (producer, requestId) pair and runs the
// same settlement Respond would, refunding the fee in full.
func (b *Broker) HandleTimeout(ctx context.Context, token types.ResumptionToken) {
	producer, requestId, ok, err := b.lookupToken(ctx, token)
	if err != nil {
		b.logger.Error().Err(err).Str("resumptionToken", token.String()).Msg("failed to resolve timed-out token")
		return
	}
	if !ok {
		return // a concurrent Respond already cleaned this up
	}
	if err := b.resolve(ctx, producer, requestId, types.Outcome{}); err != nil && !errors.Is(err, types.ErrRequestNotFound) {
		b.logger.Error().Err(err).Uint64("requestId", uint64(requestId)).Msg("timeout settlement failed")
	}
}

func (b *Broker) lookupToken(ctx context.Context, token types.ResumptionToken) (types.ProducerId, types.RequestId, bool, error) {
	tx, err := b.db.CreateRoTx(ctx)
	if err != nil {
		return "", 0, false, err
	}
	defer tx.Rollback()
	return storage.GetTokenIndex(tx, token)
}

// resolve is the single settlement path shared by Respond and
// HandleTimeout. Whichever caller's transaction successfully deletes
// the pending request record wins the race (invariant I3: removal
// precedes resumption); the loser observes a missing pending request
// and returns ErrRequestNotFound without resuming anything twice.
func (b *Broker) resolve(ctx context.Context, producer types.ProducerId, requestId types.RequestId, outcome types.Outcome) error {
	var resumeToken types.ResumptionToken
	var attachedRefundConsumer types.ConsumerId
	var attachedRefundAmount *uint256.Int

	err := b.retryRunner.Do(ctx, func(ctx context.Context) error {
		tx, err := b.db.CreateRwTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		pending, err := storage.GetPendingRequest(tx, producer, requestId)
		if err != nil {
			return err
		}
		if pending == nil {
			return types.ErrRequestNotFound
		}

		if err := storage.DeletePendingRequest(tx, producer, requestId); err != nil {
			return err
		}
		if err := storage.DeleteTokenIndex(tx, pending.ResumptionToken); err != nil {
			return err
		}

		var refundAmount *uint256.Int
		if outcome.Response != nil {
			refundAmount = outcome.Response.RefundAmount
		} else {
			refundAmount = pending.PrepaidFee.Amount // timeout: refund everything
		}

		if err := b.fees.RefundPartially(tx, pending.ConsumerId, producer, pending.PrepaidFee, refundAmount); err != nil {
			return err
		}
		payout, err := types.CheckedSub(types.ZeroIfNil(pending.PrepaidFee.Amount), types.ZeroIfNil(refundAmount))
		if err != nil {
			return err
		}
		if err := b.fees.DepositToProducer(tx, producer, pending.PrepaidFee, payout); err != nil {
			return err
		}

		if err := bumpProducerCounter(tx, producer, outcome.TimedOut()); err != nil {
			return err
		}
		if err := bumpConsumerCounter(tx, pending.ConsumerId, outcome.TimedOut()); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		resumeToken = pending.ResumptionToken
		if pending.PrepaidFee.Source == types.SourceAttachedToCall && !types.IsZero(refundAmount) {
			attachedRefundConsumer = pending.ConsumerId
			attachedRefundAmount = refundAmount
		}
		return nil
	})
	if err != nil {
		return err
	}

	// An attached-value fee never touched escrow (internal/fees.Engine's
	// creditOriginPool is a no-op for it), so the refund is paid back to
	// consumer here, directly, once the debit-free settlement above has
	// committed (invariant I1: fee conservation).
	if attachedRefundAmount != nil {
		if err := b.ledger.RefundAttached(ctx, attachedRefundConsumer, attachedRefundAmount); err != nil {
			b.logger.Error().Err(err).Uint64("requestId", uint64(requestId)).Msg("attached-value refund failed after settlement committed")
		}
	}

	b.host.Resume(resumeToken, outcome)
	return nil
}

func bumpProducerCounter(tx *storage.RwTx, producer types.ProducerId, timedOut bool) error {
	rec, err := storage.GetProducerInTx(tx, producer)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil // producer was deleted mid-flight; nothing to bump
	}
	if timedOut {
		rec.RequestsTimedOut++
	} else {
		rec.RequestsSucceeded++
	}
	return storage.PutProducerInTx(tx, *rec)
}

func bumpConsumerCounter(tx *storage.RwTx, consumer types.ConsumerId, timedOut bool) error {
	rec, err := storage.GetConsumerInTx(tx, consumer)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil // request was funded purely via AttachedToCall by an unregistered account
	}
	if timedOut {
		rec.RequestsTimedOut++
	} else {
		rec.RequestsSucceeded++
	}
	return storage.PutConsumerInTx(tx, *rec)
}
