// Package eventbus gossips event envelopes to every broker instance
// subscribed to the same topic, the same libp2p-pubsub gossip pattern
// the teacher's consensus transport uses — JSON envelopes here instead
// of protobuf, since there is no producer-side codegen step to generate
// message stubs from.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/intearnear/oraclebroker/internal/events"
	"github.com/rs/zerolog"
)

const defaultTopic = "intear-oracle/events/v1"

// Bus publishes event envelopes onto a gossipsub topic and lets callers
// subscribe to the ones other broker instances publish.
type Bus struct {
	ctx    context.Context
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	selfID string
	logger zerolog.Logger
}

// New joins defaultTopic on h's gossipsub router. Callers that only
// need to publish (most deployments run one broker instance) may ignore
// the returned Bus's Listen side entirely.
func New(ctx context.Context, h host.Host, logger zerolog.Logger) (*Bus, error) {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("start gossipsub: %w", err)
	}
	topic, err := ps.Join(defaultTopic)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", defaultTopic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe topic %s: %w", defaultTopic, err)
	}
	return &Bus{ctx: ctx, topic: topic, sub: sub, selfID: h.ID().String(), logger: logger}, nil
}

// Publish implements events.Sink.
func (b *Bus) Publish(envelope events.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return b.topic.Publish(b.ctx, data)
}

// Listen delivers every envelope gossiped by OTHER peers to handle,
// until ctx is done. Run it in its own goroutine.
func (b *Bus) Listen(ctx context.Context, handle func(events.Envelope)) {
	for {
		msg, err := b.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error().Err(err).Msg("eventbus subscription read failed")
			continue
		}
		if msg.ReceivedFrom.String() == b.selfID {
			continue
		}
		var envelope events.Envelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			b.logger.Warn().Err(err).Msg("dropping malformed gossiped event envelope")
			continue
		}
		handle(envelope)
	}
}

func (b *Bus) Close() error {
	b.sub.Cancel()
	return b.topic.Close()
}
