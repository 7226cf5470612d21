package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/intearnear/oraclebroker/internal/broker"
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
)

type noopTransferer struct{}

func (noopTransferer) Transfer(context.Context, string, *uint256.Int) error { return nil }

type noopFtTransferer struct{}

func (noopFtTransferer) Transfer(context.Context, types.FtId, string, *uint256.Int) error { return nil }

type logOnlySink struct{}

func (logOnlySink) Publish(events.Envelope) error { return nil }

// autoRespondDispatcher settles every dispatched request immediately by
// calling back into the broker directly, standing in for a producer
// that answers instantly. Its broker field is set after construction
// to break the broker/dispatcher construction cycle (the dispatcher
// needs a *broker.Broker, broker.New needs a RequestDispatcher).
type autoRespondDispatcher struct {
	b       *broker.Broker
	respond types.Response
}

func (d *autoRespondDispatcher) OnRequest(ctx context.Context, producer types.ProducerId, requestId types.RequestId, _ types.ConsumerId, _ string) {
	_ = d.b.Respond(ctx, producer, requestId, d.respond)
}

func newTestServer(t *testing.T, dispatcher broker.RequestDispatcher) (*httptest.Server, *broker.Broker) {
	t.Helper()
	db, err := storage.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	producers := storage.NewProducerStorage(db, zerolog.Nop())
	consumers := storage.NewConsumerStorage(db, zerolog.Nop())
	ledgerImpl := ledger.New(db, producers, consumers, noopTransferer{}, noopFtTransferer{}, zerolog.Nop())
	feeEngine := fees.New()
	emitter := events.New(logOnlySink{})
	producerRegistry := registry.NewProducerRegistry(producers, emitter, zerolog.Nop())
	consumerRegistry := registry.NewConsumerRegistry(consumers)
	ftReceiver := ftreceiver.New(ledgerImpl, zerolog.Nop())
	host := continuation.NewHost(clockwork.NewRealClock(), time.Second, zerolog.Nop())

	b := broker.New(db, producers, consumers, ledgerImpl, feeEngine, producerRegistry, consumerRegistry, emitter, host, ftReceiver, dispatcher, clockwork.NewRealClock(), zerolog.Nop())

	srv := NewServer(b, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, b
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	if resp.ContentLength != 0 {
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
	}
	return resp, decoded
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
}

func TestRegisterAndAddProducerRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/consumers/register", map[string]string{"accountId": "alice.near"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/consumers/alice.near/registered", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["registered"])

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/v1/producers", map[string]string{
		"accountId":   "oracle.near",
		"name":        "Weather Oracle",
		"description": "fetches weather",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "oracle.near", body["accountId"])
}

func TestGetProducerDetailsNotFoundReturns404(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/producers/ghost.near", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotEmpty(t, body["error"])
}

func TestDepositNativeRejectsUnregisteredConsumerWithForbidden(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/ledger/deposit-native", map[string]string{
		"consumerId": "ghost.near",
		"amount":     "100",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRequestRespondRoundTripOverHTTP(t *testing.T) {
	dispatcher := &autoRespondDispatcher{respond: types.Response{ResponseData: "sunny, 72F"}}
	ts, b := newTestServer(t, dispatcher)
	dispatcher.b = b

	doJSON(t, http.MethodPost, ts.URL+"/v1/consumers/register", map[string]string{"accountId": "alice.near"})
	doJSON(t, http.MethodPost, ts.URL+"/v1/producers", map[string]string{"accountId": "oracle.near", "name": "Oracle"})
	resp, _ := doJSON(t, http.MethodPut, ts.URL+"/v1/producers/oracle.near/send-callback", map[string]bool{"enabled": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/requests", map[string]string{
		"consumerId":  "alice.near",
		"producerId":  "oracle.near",
		"requestData": "what's the weather",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "sunny, 72F", body["responseData"])
}

func TestFtOnTransferCreditsSenderOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/ft-on-transfer", map[string]string{
		"ftId":   "usdt.near",
		"sender": "alice.near",
		"amount": "500",
		"msg":    "",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "0", body["remainingAmount"])

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/v1/ledger/ft?consumerId=alice.near&ftId=usdt.near", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "500", body["amount"])
}
