package main

import (
	"context"
	"time"

	"github.com/holiman/uint256"
	"github.com/intearnear/oraclebroker/internal/events"
	"github.com/intearnear/oraclebroker/internal/types"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

// logOnlySink satisfies events.Sink for a standalone broker with no
// gossip peers configured: it just logs what would have been
// published. internal/eventbus.Bus is the real implementation, wired
// in once the process is told to join a gossip mesh.
type logOnlySink struct {
	logger zerolog.Logger
}

func (s *logOnlySink) Publish(envelope events.Envelope) error {
	s.logger.Info().Str("event", envelope.Event).RawJSON("data", envelope.Data).Msg("event emitted")
	return nil
}

// logOnlyTransferer satisfies ledger.NativeTransferer for a standalone
// deployment with no actual native currency system behind it (its FT
// counterpart is logOnlyFtTransferer) — a real deployment
// wires in whatever account system it's embedded in.
type logOnlyTransferer struct {
	logger zerolog.Logger
}

func (t *logOnlyTransferer) Transfer(ctx context.Context, to string, amount *uint256.Int) error {
	t.logger.Info().Str("to", to).Str("amount", amount.String()).Msg("native transfer settled")
	return nil
}

// logOnlyFtTransferer satisfies ledger.FtTransferer for the same reason
// logOnlyTransferer satisfies ledger.NativeTransferer.
type logOnlyFtTransferer struct {
	logger zerolog.Logger
}

func (t *logOnlyFtTransferer) Transfer(ctx context.Context, token types.FtId, to string, amount *uint256.Int) error {
	t.logger.Info().Str("ftId", string(token)).Str("to", to).Str("amount", amount.String()).Msg("ft transfer settled")
	return nil
}

// logOnlyDispatcher satisfies broker.RequestDispatcher. Producer
// daemons that actually call Respond are outside this rendition's
// scope (SPEC_FULL.md Non-goals); this just logs the handoff so the
// HTTP surface is independently testable end to end via explicit
// Respond calls.
type logOnlyDispatcher struct {
	logger zerolog.Logger
}

func (d *logOnlyDispatcher) OnRequest(ctx context.Context, producer types.ProducerId, requestId types.RequestId, consumer types.ConsumerId, requestData string) {
	d.logger.Info().
		Str("producerId", string(producer)).
		Uint64("requestId", uint64(requestId)).
		Str("consumerId", string(consumer)).
		Msg("dispatched request to producer")
}
