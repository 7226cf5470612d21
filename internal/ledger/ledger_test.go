package ledger

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/intearnear/oraclebroker/internal/storage"
	"github.com/intearnear/oraclebroker/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingNativeTransferer struct {
	to     string
	amount *uint256.Int
}

func (r *recordingNativeTransferer) Transfer(_ context.Context, to string, amount *uint256.Int) error {
	r.to = to
	r.amount = amount
	return nil
}

type recordingFtTransferer struct {
	token  types.FtId
	to     string
	amount *uint256.Int
}

func (r *recordingFtTransferer) Transfer(_ context.Context, token types.FtId, to string, amount *uint256.Int) error {
	r.token = token
	r.to = to
	r.amount = amount
	return nil
}

func newTestLedger(t *testing.T) (*Ledger, *recordingNativeTransferer, *recordingFtTransferer) {
	t.Helper()
	db, err := storage.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	producers := storage.NewProducerStorage(db, zerolog.Nop())
	consumers := storage.NewConsumerStorage(db, zerolog.Nop())
	native := &recordingNativeTransferer{}
	ft := &recordingFtTransferer{}

	l := New(db, producers, consumers, native, ft, zerolog.Nop())
	return l, native, ft
}

func TestDepositNativeRequiresRegisteredConsumer(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	err := l.DepositNative(ctx, "alice", "", uint256.NewInt(10))
	require.ErrorIs(t, err, types.ErrNotRegistered)
}

func TestDepositAndGetDepositNativeGeneralPool(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.consumers.Register(ctx, "alice"))

	require.NoError(t, l.DepositNative(ctx, "alice", "", uint256.NewInt(30)))
	balance, err := l.GetDepositNative(ctx, "alice", "")
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(30), balance)
}

func TestDepositNativeRequiresRegisteredProducerWhenEarmarked(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.consumers.Register(ctx, "alice"))

	err := l.DepositNative(ctx, "alice", "oracle", uint256.NewInt(10))
	require.ErrorIs(t, err, types.ErrProducerNotFound)
}

func TestWithdrawNativeInsufficientBalance(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.consumers.Register(ctx, "alice"))

	err := l.WithdrawNative(ctx, "alice", "", uint256.NewInt(5))
	require.ErrorIs(t, err, types.ErrInsufficientBalance)
}

func TestWithdrawNativeTransfersAfterDebit(t *testing.T) {
	l, native, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.consumers.Register(ctx, "alice"))
	require.NoError(t, l.DepositNative(ctx, "alice", "", uint256.NewInt(30)))

	require.NoError(t, l.WithdrawNative(ctx, "alice", "", uint256.NewInt(20)))

	balance, err := l.GetDepositNative(ctx, "alice", "")
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(10), balance)
	require.Equal(t, "alice", native.to)
	require.Equal(t, uint256.NewInt(20), native.amount)
}

func TestWithdrawNativeDeletesPerProducerEntryAtZero(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.consumers.Register(ctx, "alice"))
	require.NoError(t, l.producers.Create(ctx, types.NewProducer("oracle")))
	require.NoError(t, l.DepositNative(ctx, "alice", "oracle", uint256.NewInt(10)))

	require.NoError(t, l.WithdrawNative(ctx, "alice", "oracle", uint256.NewInt(10)))

	balance, err := l.GetDepositNative(ctx, "alice", "oracle")
	require.NoError(t, err)
	require.True(t, balance.IsZero())

	tx, err := l.db.CreateRoTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	exists, err := tx.Exists(storage.TableNativeByProducer, storage.JoinKey([]byte("alice"), []byte("oracle")))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestDepositFtDoesNotRequireRegistration(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.DepositFt(ctx, "alice", "", "usdt.near", uint256.NewInt(40)))
	balance, err := l.GetDepositFt(ctx, "alice", "", "usdt.near")
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(40), balance)
}

func TestDepositFtRequiresRegisteredProducerWhenEarmarked(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	err := l.DepositFt(ctx, "alice", "oracle", "usdt.near", uint256.NewInt(40))
	require.ErrorIs(t, err, types.ErrProducerNotFound)
}

func TestRefundAttachedTransfersDirectlyToConsumer(t *testing.T) {
	l, native, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.RefundAttached(ctx, "alice", uint256.NewInt(7)))
	require.Equal(t, "alice", native.to)
	require.Equal(t, uint256.NewInt(7), native.amount)
}

func TestRefundAttachedIsNoopForZeroAmount(t *testing.T) {
	l, native, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.RefundAttached(ctx, "alice", nil))
	require.Nil(t, native.amount)
}

func TestWithdrawFtRequiresRegistration(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	err := l.WithdrawFt(ctx, "alice", "", "usdt.near", uint256.NewInt(1))
	require.ErrorIs(t, err, types.ErrNotRegistered)
}

func TestWithdrawFtTransfersToken(t *testing.T) {
	l, _, ft := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.consumers.Register(ctx, "alice"))
	require.NoError(t, l.DepositFt(ctx, "alice", "", "usdt.near", uint256.NewInt(40)))

	require.NoError(t, l.WithdrawFt(ctx, "alice", "", "usdt.near", uint256.NewInt(15)))
	require.Equal(t, types.FtId("usdt.near"), ft.token)
	require.Equal(t, uint256.NewInt(15), ft.amount)
}
