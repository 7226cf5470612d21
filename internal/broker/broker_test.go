package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/intearnear/oraclebroker/internal/continuation"
	"github.com/intearnear/oraclebroker/internal/events"
	"github.com/intearnear/oraclebroker/internal/fees"
	"github.com/intearnear/oraclebroker/internal/ftreceiver"
	"github.com/intearnear/oraclebroker/internal/ledger"
	"github.com/intearnear/oraclebroker/internal/registry"
	"github.com/intearnear/oraclebroker/internal/storage"
	"github.com/intearnear/oraclebroker/internal/types"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type noopTransferer struct{}

func (noopTransferer) Transfer(context.Context, string, *uint256.Int) error { return nil }

type noopFtTransferer struct{}

func (noopFtTransferer) Transfer(context.Context, types.FtId, string, *uint256.Int) error { return nil }

type dispatchedRequest struct {
	producer    types.ProducerId
	requestId   types.RequestId
	consumer    types.ConsumerId
	requestData string
}

type dispatcherStub struct {
	ch chan dispatchedRequest
}

func newDispatcherStub() *dispatcherStub {
	return &dispatcherStub{ch: make(chan dispatchedRequest, 1)}
}

func (d *dispatcherStub) OnRequest(_ context.Context, producer types.ProducerId, requestId types.RequestId, consumer types.ConsumerId, requestData string) {
	d.ch <- dispatchedRequest{producer, requestId, consumer, requestData}
}

type sliceSink struct {
	mu        sync.Mutex
	envelopes []events.Envelope
}

func (s *sliceSink) Publish(envelope events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes = append(s.envelopes, envelope)
	return nil
}

func newTestBroker(t *testing.T, clock clockwork.Clock) (*Broker, *dispatcherStub) {
	t.Helper()
	b, dispatcher, _ := newTestBrokerWithNative(t, clock, noopTransferer{})
	return b, dispatcher
}

type recordingNativeTransferer struct {
	mu    sync.Mutex
	to    string
	calls int
	total *uint256.Int
}

func (r *recordingNativeTransferer) Transfer(_ context.Context, to string, amount *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.to = to
	r.calls++
	total, err := types.CheckedAdd(types.ZeroIfNil(r.total), amount)
	if err != nil {
		return err
	}
	r.total = total
	return nil
}

func newTestBrokerWithNative(t *testing.T, clock clockwork.Clock, native ledger.NativeTransferer) (*Broker, *dispatcherStub, *ledger.Ledger) {
	t.Helper()
	db, err := storage.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	producers := storage.NewProducerStorage(db, zerolog.Nop())
	consumers := storage.NewConsumerStorage(db, zerolog.Nop())
	ledgerImpl := ledger.New(db, producers, consumers, native, noopFtTransferer{}, zerolog.Nop())
	feeEngine := fees.New()
	emitter := events.New(&sliceSink{})
	producerRegistry := registry.NewProducerRegistry(producers, emitter, zerolog.Nop())
	consumerRegistry := registry.NewConsumerRegistry(consumers)
	ftReceiver := ftreceiver.New(ledgerImpl, zerolog.Nop())
	host := continuation.NewHost(clock, time.Second, zerolog.Nop())
	dispatcher := newDispatcherStub()

	b := New(db, producers, consumers, ledgerImpl, feeEngine, producerRegistry, consumerRegistry, emitter, host, ftReceiver, dispatcher, clock, zerolog.Nop())
	return b, dispatcher, ledgerImpl
}

func awaitDispatch(t *testing.T, d *dispatcherStub) dispatchedRequest {
	t.Helper()
	select {
	case req := <-d.ch:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatch")
		return dispatchedRequest{}
	}
}

func TestRequestNoFeeHappyPath(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b, dispatcher := newTestBroker(t, clock)
	ctx := context.Background()

	_, err := b.AddProducer(ctx, "oracle.near", "Oracle", "", nil)
	require.NoError(t, err)
	_, err = b.SetSendCallback(ctx, "oracle.near", true)
	require.NoError(t, err)
	require.NoError(t, b.RegisterConsumer(ctx, "alice.near"))

	var result string
	var reqErr error
	requestDone := make(chan struct{})
	go func() {
		result, reqErr = b.Request(ctx, "alice.near", "oracle.near", "what's 6*7", nil)
		close(requestDone)
	}()

	req := awaitDispatch(t, dispatcher)
	require.NoError(t, b.Respond(context.Background(), req.producer, req.requestId, types.Response{ResponseData: "42"}))

	<-requestDone
	require.NoError(t, reqErr)
	require.Equal(t, "42", result)
}

func TestRequestNativeFeeNoRefund(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b, dispatcher := newTestBroker(t, clock)
	ctx := context.Background()

	_, err := b.AddProducer(ctx, "oracle.near", "Oracle", "", nil)
	require.NoError(t, err)
	_, err = b.SetSendCallback(ctx, "oracle.near", true)
	require.NoError(t, err)
	_, err = b.SetFee(ctx, "oracle.near", types.NativeFee(uint256.NewInt(100)))
	require.NoError(t, err)
	require.NoError(t, b.RegisterConsumer(ctx, "alice.near"))
	require.NoError(t, b.DepositNative(ctx, "alice.near", "", uint256.NewInt(500)))

	var result string
	var reqErr error
	requestDone := make(chan struct{})
	go func() {
		result, reqErr = b.Request(ctx, "alice.near", "oracle.near", "ping", nil)
		close(requestDone)
	}()

	req := awaitDispatch(t, dispatcher)
	require.NoError(t, b.Respond(context.Background(), req.producer, req.requestId, types.Response{ResponseData: "ok"}))

	<-requestDone
	require.NoError(t, reqErr)
	require.Equal(t, "ok", result)

	balance, err := b.GetDepositNative(ctx, "alice.near", "")
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(400), balance)

	producerBalance, err := b.GetDepositNative(ctx, "oracle.near", "")
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(100), producerBalance)
}

func TestRequestNativeFeePartialRefund(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b, dispatcher := newTestBroker(t, clock)
	ctx := context.Background()

	_, err := b.AddProducer(ctx, "oracle.near", "Oracle", "", nil)
	require.NoError(t, err)
	_, err = b.SetSendCallback(ctx, "oracle.near", true)
	require.NoError(t, err)
	_, err = b.SetFee(ctx, "oracle.near", types.NativeFee(uint256.NewInt(100)))
	require.NoError(t, err)
	require.NoError(t, b.RegisterConsumer(ctx, "alice.near"))
	require.NoError(t, b.DepositNative(ctx, "alice.near", "", uint256.NewInt(500)))

	var result string
	var reqErr error
	requestDone := make(chan struct{})
	go func() {
		result, reqErr = b.Request(ctx, "alice.near", "oracle.near", "ping", nil)
		close(requestDone)
	}()

	req := awaitDispatch(t, dispatcher)
	require.NoError(t, b.Respond(context.Background(), req.producer, req.requestId, types.Response{
		ResponseData: "partial",
		RefundAmount: uint256.NewInt(40),
	}))

	<-requestDone
	require.NoError(t, reqErr)
	require.Equal(t, "partial", result)

	balance, err := b.GetDepositNative(ctx, "alice.near", "")
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(440), balance) // 500 - 100 + 40 refunded

	producerBalance, err := b.GetDepositNative(ctx, "oracle.near", "")
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(60), producerBalance)
}

func TestRequestAttachedNativeFeeBypassesRegistration(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b, dispatcher := newTestBroker(t, clock)
	ctx := context.Background()

	_, err := b.AddProducer(ctx, "oracle.near", "Oracle", "", nil)
	require.NoError(t, err)
	_, err = b.SetSendCallback(ctx, "oracle.near", true)
	require.NoError(t, err)
	_, err = b.SetFee(ctx, "oracle.near", types.NativeFee(uint256.NewInt(100)))
	require.NoError(t, err)
	// "stranger.near" is never registered as a consumer.

	var result string
	var reqErr error
	requestDone := make(chan struct{})
	go func() {
		result, reqErr = b.Request(ctx, "stranger.near", "oracle.near", "ping", uint256.NewInt(100))
		close(requestDone)
	}()

	req := awaitDispatch(t, dispatcher)
	require.NoError(t, b.Respond(context.Background(), req.producer, req.requestId, types.Response{ResponseData: "ok"}))

	<-requestDone
	require.NoError(t, reqErr)
	require.Equal(t, "ok", result)
}

func TestRequestUnregisteredConsumerWithoutAttachedValueFails(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b, _ := newTestBroker(t, clock)
	ctx := context.Background()

	_, err := b.AddProducer(ctx, "oracle.near", "Oracle", "", nil)
	require.NoError(t, err)

	_, err = b.Request(ctx, "stranger.near", "oracle.near", "ping", nil)
	require.ErrorIs(t, err, types.ErrNotRegistered)
}

func TestRequestTimesOutAndRefundsInFull(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b, dispatcher := newTestBroker(t, clock)
	ctx := context.Background()

	_, err := b.AddProducer(ctx, "oracle.near", "Oracle", "", nil)
	require.NoError(t, err)
	_, err = b.SetSendCallback(ctx, "oracle.near", true)
	require.NoError(t, err)
	_, err = b.SetFee(ctx, "oracle.near", types.NativeFee(uint256.NewInt(100)))
	require.NoError(t, err)
	require.NoError(t, b.RegisterConsumer(ctx, "alice.near"))
	require.NoError(t, b.DepositNative(ctx, "alice.near", "", uint256.NewInt(500)))

	go b.host.Run(context.Background())
	defer b.host.Stop()
	clock.BlockUntil(1)

	requestDone := make(chan struct{})
	var reqErr error
	go func() {
		_, reqErr = b.Request(ctx, "alice.near", "oracle.near", "ping", nil)
		close(requestDone)
	}()

	// Make sure the request has suspended (producer dispatched) before
	// advancing the clock past its deadline.
	awaitDispatch(t, dispatcher)

	clock.Advance(continuation.DefaultDeadline + time.Second)

	select {
	case <-requestDone:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Request to observe the timeout")
	}
	require.ErrorIs(t, reqErr, types.ErrRequestTimedOut)

	balance, err := b.GetDepositNative(ctx, "alice.near", "")
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(500), balance, "a timed-out request refunds its fee in full")
}

func TestDoubleRespondRaceOnlyOneWinner(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b, dispatcher := newTestBroker(t, clock)
	ctx := context.Background()

	_, err := b.AddProducer(ctx, "oracle.near", "Oracle", "", nil)
	require.NoError(t, err)
	_, err = b.SetSendCallback(ctx, "oracle.near", true)
	require.NoError(t, err)
	require.NoError(t, b.RegisterConsumer(ctx, "alice.near"))

	requestDone := make(chan struct{})
	go func() {
		_, _ = b.Request(ctx, "alice.near", "oracle.near", "ping", nil)
		close(requestDone)
	}()
	req := awaitDispatch(t, dispatcher)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	for i := range 2 {
		go func(i int) {
			defer wg.Done()
			errs[i] = b.Respond(context.Background(), req.producer, req.requestId, types.Response{ResponseData: "race"})
		}(i)
	}
	wg.Wait()
	<-requestDone

	successes, notFound := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, types.ErrRequestNotFound):
			notFound++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, successes, "exactly one concurrent Respond must win the race")
	require.Equal(t, 1, notFound, "the loser must observe the request as already resolved")
}

func TestRequestWithSendCallbackDisabledNeverDispatches(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b, dispatcher := newTestBroker(t, clock)
	ctx := context.Background()

	// AddProducer defaults SendCallback to false; it is never enabled here.
	_, err := b.AddProducer(ctx, "oracle.near", "Oracle", "", nil)
	require.NoError(t, err)
	require.NoError(t, b.RegisterConsumer(ctx, "alice.near"))

	go b.host.Run(context.Background())
	defer b.host.Stop()
	clock.BlockUntil(1)

	requestDone := make(chan struct{})
	var reqErr error
	go func() {
		_, reqErr = b.Request(ctx, "alice.near", "oracle.near", "ping", nil)
		close(requestDone)
	}()

	// Give Request plenty of room to have dispatched, if it were going to.
	deadline := time.Now().Add(2 * time.Second)
	for len(dispatcher.ch) == 0 && time.Now().Before(deadline) {
		pending, err := func() (int, error) {
			tx, err := b.db.CreateRoTx(ctx)
			if err != nil {
				return 0, err
			}
			defer tx.Rollback()
			return storage.CountPendingRequests(tx, "oracle.near")
		}()
		require.NoError(t, err)
		if pending == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.Empty(t, dispatcher.ch, "on_request must not be dispatched when SendCallback is disabled")

	clock.Advance(continuation.DefaultDeadline + time.Second)

	select {
	case <-requestDone:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Request to observe the timeout")
	}
	require.ErrorIs(t, reqErr, types.ErrRequestTimedOut)
	require.Empty(t, dispatcher.ch)
}

// TestRequestAttachedNativeFeeRefundsDirectlyToConsumer covers spec.md
// scenario 4 (§8): a partial refund on a fee sourced from the call's
// attached value must be paid back to the consumer by direct transfer,
// not silently discarded (invariant I1, fee conservation).
func TestRequestAttachedNativeFeeRefundsDirectlyToConsumer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	native := &recordingNativeTransferer{}
	b, dispatcher, _ := newTestBrokerWithNative(t, clock, native)
	ctx := context.Background()

	_, err := b.AddProducer(ctx, "oracle.near", "Oracle", "", nil)
	require.NoError(t, err)
	_, err = b.SetSendCallback(ctx, "oracle.near", true)
	require.NoError(t, err)
	_, err = b.SetFee(ctx, "oracle.near", types.NativeFee(uint256.NewInt(100)))
	require.NoError(t, err)
	// "stranger.near" is never registered as a consumer or deposited into
	// escrow; the fee is funded entirely by attached value.

	var result string
	var reqErr error
	requestDone := make(chan struct{})
	go func() {
		result, reqErr = b.Request(ctx, "stranger.near", "oracle.near", "ping", uint256.NewInt(100))
		close(requestDone)
	}()

	req := awaitDispatch(t, dispatcher)
	require.NoError(t, b.Respond(context.Background(), req.producer, req.requestId, types.Response{
		ResponseData: "partial",
		RefundAmount: uint256.NewInt(40),
	}))

	<-requestDone
	require.NoError(t, reqErr)
	require.Equal(t, "partial", result)

	native.mu.Lock()
	defer native.mu.Unlock()
	require.Equal(t, 1, native.calls, "the attached-value refund must be transferred, not dropped")
	require.Equal(t, "stranger.near", native.to)
	require.Equal(t, uint256.NewInt(40), native.total)

	producerBalance, err := b.GetDepositNative(ctx, "oracle.near", "")
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(60), producerBalance)
}
