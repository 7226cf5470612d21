// Package events implements the Event Emitter component: a single
// envelope format tagged with the broker's standard name and version,
// wrapping the Request/ProducerCreated/ProducerUpdated payloads
// described in spec.md §4.5.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/intearnear/oraclebroker/internal/types"
)

const (
	standardName = "intear-oracle"
	standardVer  = "1.0.0"
)

// version is parsed once at init time so a malformed standardVer would
// fail the build's first test run rather than surface at runtime.
var version = semver.MustParse(standardVer)

// Envelope is the wire shape every emitted event takes, mirroring the
// NEP-297-style "standard/version/event/data" envelope the spec
// describes.
type Envelope struct {
	Standard string          `json:"standard"`
	Version  string          `json:"version"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
}

// Sink receives serialized event envelopes. internal/eventbus implements
// this over libp2p-pubsub gossip; tests can use an in-memory slice sink.
type Sink interface {
	Publish(envelope Envelope) error
}

// Emitter builds and publishes envelopes for the broker's three event
// kinds.
type Emitter struct {
	sink Sink
}

func New(sink Sink) *Emitter {
	return &Emitter{sink: sink}
}

// StandardVersion reports the semver this emitter tags every event
// with, exposed so callers (e.g. an admin HTTP surface) can advertise
// it without re-parsing the constant.
func (e *Emitter) StandardVersion() *semver.Version {
	return version
}

func (e *Emitter) Request(data types.RequestEventData) error {
	return e.emit(types.EventRequest, data)
}

func (e *Emitter) ProducerCreated(snapshot types.ProducerSnapshot) error {
	return e.emit(types.EventProducerCreated, snapshot)
}

func (e *Emitter) ProducerUpdated(snapshot types.ProducerSnapshot) error {
	return e.emit(types.EventProducerUpdated, snapshot)
}

func (e *Emitter) emit(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrSerialization, err)
	}
	return e.sink.Publish(Envelope{
		Standard: standardName,
		Version:  standardVer,
		Event:    event,
		Data:     raw,
	})
}
