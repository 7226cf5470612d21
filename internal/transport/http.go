// Package transport exposes the broker's full contract surface over
// HTTP/JSON, wrapped in the teacher's middleware stack
// (gorilla/handlers logging, recovery, and compression) in place of a
// hand-authored gRPC service (that would need protoc-generated stubs
// this rendition can't safely fabricate).
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/holiman/uint256"
	"github.com/intearnear/oraclebroker/internal/broker"
	"github.com/intearnear/oraclebroker/internal/types"
	"github.com/rs/zerolog"
)

// Server wraps the broker facade in an HTTP handler.
type Server struct {
	broker *broker.Broker
	logger zerolog.Logger
	mux    *http.ServeMux
}

func NewServer(b *broker.Broker, logger zerolog.Logger) *Server {
	s := &Server{broker: b, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler wraps the router in the broker's standard HTTP middleware:
// access logging, gzip compression, and panic recovery so a handler bug
// becomes a 500 instead of killing the process.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = handlers.CompressHandler(h)
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)
	h = handlers.CustomLoggingHandler(nil, h, s.logFormatter)
	return h
}

func (s *Server) logFormatter(_ io.Writer, params handlers.LogFormatterParams) {
	s.logger.Info().
		Str("method", params.Request.Method).
		Str("path", params.URL.Path).
		Int("status", params.StatusCode).
		Int("bytes", params.Size).
		Msg("http request")
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.mux.HandleFunc("POST /v1/consumers/register", s.handleRegisterConsumer)
	s.mux.HandleFunc("GET /v1/consumers/{id}/registered", s.handleIsRegisteredAsConsumer)

	s.mux.HandleFunc("POST /v1/producers", s.handleAddProducer)
	s.mux.HandleFunc("PUT /v1/producers/{id}/details", s.handleEditProducerDetails)
	s.mux.HandleFunc("PUT /v1/producers/{id}/fee", s.handleSetFee)
	s.mux.HandleFunc("PUT /v1/producers/{id}/send-callback", s.handleSetSendCallback)
	s.mux.HandleFunc("GET /v1/producers/{id}", s.handleGetProducerDetails)
	s.mux.HandleFunc("GET /v1/producers/{id}/fee", s.handleGetFee)
	s.mux.HandleFunc("GET /v1/producers/{id}/is-producer", s.handleIsProducer)

	s.mux.HandleFunc("POST /v1/ledger/deposit-native", s.handleDepositNative)
	s.mux.HandleFunc("POST /v1/ledger/withdraw-native", s.handleWithdrawNative)
	s.mux.HandleFunc("POST /v1/ledger/withdraw-ft", s.handleWithdrawFt)
	s.mux.HandleFunc("GET /v1/ledger/native", s.handleGetDepositNative)
	s.mux.HandleFunc("GET /v1/ledger/ft", s.handleGetDepositFt)

	s.mux.HandleFunc("POST /v1/ft-on-transfer", s.handleFtOnTransfer)

	s.mux.HandleFunc("POST /v1/requests", s.handleRequest)
	s.mux.HandleFunc("POST /v1/requests/{producerId}/{requestId}/respond", s.handleRespond)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- registry -------------------------------------------------------------

type registerConsumerRequest struct {
	AccountId string `json:"accountId"`
}

func (s *Server) handleRegisterConsumer(w http.ResponseWriter, r *http.Request) {
	var req registerConsumerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.broker.RegisterConsumer(r.Context(), types.ConsumerId(req.AccountId)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIsRegisteredAsConsumer(w http.ResponseWriter, r *http.Request) {
	id := types.ConsumerId(r.PathValue("id"))
	ok, err := s.broker.IsRegisteredAsConsumer(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"registered": ok})
}

type addProducerRequest struct {
	AccountId    string  `json:"accountId"`
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	ExampleInput *string `json:"exampleInput,omitempty"`
}

func (s *Server) handleAddProducer(w http.ResponseWriter, r *http.Request) {
	var req addProducerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	producer, err := s.broker.AddProducer(r.Context(), types.ProducerId(req.AccountId), req.Name, req.Description, req.ExampleInput)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, producer.Snapshot())
}

func (s *Server) handleEditProducerDetails(w http.ResponseWriter, r *http.Request) {
	var req addProducerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := types.ProducerId(r.PathValue("id"))
	producer, err := s.broker.EditProducerDetails(r.Context(), id, req.Name, req.Description, req.ExampleInput)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, producer.Snapshot())
}

type setFeeRequest struct {
	Kind          string `json:"kind"` // "none" | "native" | "fungible_token"
	Token         string `json:"token,omitempty"`
	PrepaidAmount string `json:"prepaidAmount,omitempty"`
}

func (s *Server) handleSetFee(w http.ResponseWriter, r *http.Request) {
	var req setFeeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	fee, err := parseFee(req)
	if err != nil {
		writeError(w, err)
		return
	}
	id := types.ProducerId(r.PathValue("id"))
	producer, err := s.broker.SetFee(r.Context(), id, fee)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, producer.Snapshot())
}

func parseFee(req setFeeRequest) (types.ProducerFee, error) {
	switch req.Kind {
	case "", "none":
		return types.NoFee(), nil
	case "native":
		amount, err := parseUint256(req.PrepaidAmount)
		if err != nil {
			return types.ProducerFee{}, err
		}
		return types.NativeFee(amount), nil
	case "fungible_token":
		amount, err := parseUint256(req.PrepaidAmount)
		if err != nil {
			return types.ProducerFee{}, err
		}
		return types.FungibleTokenFee(types.FtId(req.Token), amount), nil
	default:
		return types.ProducerFee{}, errors.New("unknown fee kind: " + req.Kind)
	}
}

type setSendCallbackRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetSendCallback(w http.ResponseWriter, r *http.Request) {
	var req setSendCallbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := types.ProducerId(r.PathValue("id"))
	producer, err := s.broker.SetSendCallback(r.Context(), id, req.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, producer.Snapshot())
}

func (s *Server) handleGetProducerDetails(w http.ResponseWriter, r *http.Request) {
	id := types.ProducerId(r.PathValue("id"))
	producer, err := s.broker.GetProducerDetails(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, producer.Snapshot())
}

func (s *Server) handleGetFee(w http.ResponseWriter, r *http.Request) {
	id := types.ProducerId(r.PathValue("id"))
	fee, err := s.broker.GetFee(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fee)
}

func (s *Server) handleIsProducer(w http.ResponseWriter, r *http.Request) {
	id := types.ProducerId(r.PathValue("id"))
	ok, err := s.broker.IsProducer(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isProducer": ok})
}

// --- ledger -----------------------------------------------------------------

type depositRequest struct {
	ConsumerId string `json:"consumerId"`
	ProducerId string `json:"producerId,omitempty"`
	Amount     string `json:"amount"`
}

func (s *Server) handleDepositNative(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount, err := parseUint256(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.broker.DepositNative(r.Context(), types.ConsumerId(req.ConsumerId), types.ProducerId(req.ProducerId), amount); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWithdrawNative(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount, err := parseUint256(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.broker.WithdrawNative(r.Context(), types.ConsumerId(req.ConsumerId), types.ProducerId(req.ProducerId), amount); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type withdrawFtRequest struct {
	ConsumerId string `json:"consumerId"`
	ProducerId string `json:"producerId,omitempty"`
	FtId       string `json:"ftId"`
	Amount     string `json:"amount"`
}

func (s *Server) handleWithdrawFt(w http.ResponseWriter, r *http.Request) {
	var req withdrawFtRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount, err := parseUint256(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.broker.WithdrawFt(r.Context(), types.ConsumerId(req.ConsumerId), types.ProducerId(req.ProducerId), types.FtId(req.FtId), amount); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetDepositNative(w http.ResponseWriter, r *http.Request) {
	consumer := types.ConsumerId(r.URL.Query().Get("consumerId"))
	producer := types.ProducerId(r.URL.Query().Get("producerId"))
	amount, err := s.broker.GetDepositNative(r.Context(), consumer, producer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amount.String()})
}

func (s *Server) handleGetDepositFt(w http.ResponseWriter, r *http.Request) {
	consumer := types.ConsumerId(r.URL.Query().Get("consumerId"))
	producer := types.ProducerId(r.URL.Query().Get("producerId"))
	ft := types.FtId(r.URL.Query().Get("ftId"))
	amount, err := s.broker.GetDepositFt(r.Context(), consumer, producer, ft)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amount.String()})
}

type ftOnTransferRequest struct {
	FtId   string `json:"ftId"`
	Sender string `json:"sender"`
	Amount string `json:"amount"`
	Msg    string `json:"msg"`
}

func (s *Server) handleFtOnTransfer(w http.ResponseWriter, r *http.Request) {
	var req ftOnTransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount, err := parseUint256(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	remaining, err := s.broker.FtOnTransfer(r.Context(), types.FtId(req.FtId), types.ConsumerId(req.Sender), amount, req.Msg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"remainingAmount": remaining.String()})
}

// --- request state machine ---------------------------------------------------

type requestRequest struct {
	ConsumerId     string `json:"consumerId"`
	ProducerId     string `json:"producerId"`
	RequestData    string `json:"requestData"`
	AttachedNative string `json:"attachedNative,omitempty"`
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req requestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var attached *uint256.Int
	if req.AttachedNative != "" {
		var err error
		attached, err = parseUint256(req.AttachedNative)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	responseData, err := s.broker.Request(r.Context(), types.ConsumerId(req.ConsumerId), types.ProducerId(req.ProducerId), req.RequestData, attached)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"responseData": responseData})
}

type respondRequest struct {
	ResponseData string `json:"responseData"`
	RefundAmount string `json:"refundAmount,omitempty"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	producer := types.ProducerId(r.PathValue("producerId"))
	requestId, err := strconv.ParseUint(r.PathValue("requestId"), 10, 64)
	if err != nil {
		writeError(w, errors.New("invalid requestId"))
		return
	}
	var refund *uint256.Int
	if req.RefundAmount != "" {
		refund, err = parseUint256(req.RefundAmount)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	response := types.Response{ResponseData: req.ResponseData, RefundAmount: refund}
	if err := s.broker.Respond(r.Context(), producer, types.RequestId(requestId), response); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers -----------------------------------------------------------------

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body: " + err.Error()})
		return false
	}
	return true
}

func parseUint256(s string) (*uint256.Int, error) {
	amount, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, errors.Join(types.ErrInvalidPayment, err)
	}
	return amount, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

var errorStatus = map[error]int{
	types.ErrNotRegistered:        http.StatusForbidden,
	types.ErrProducerNotFound:     http.StatusNotFound,
	types.ErrRequestNotFound:      http.StatusNotFound,
	types.ErrInsufficientBalance:  http.StatusPaymentRequired,
	types.ErrInvalidPayment:       http.StatusBadRequest,
	types.ErrArithmetic:           http.StatusBadRequest,
	types.ErrRefundExceedsPrepaid: http.StatusBadRequest,
	types.ErrSerialization:        http.StatusInternalServerError,
	types.ErrRequestTimedOut:      http.StatusGatewayTimeout,
	types.ErrTokenUnknown:         http.StatusNotFound,
	types.ErrProtocol:             http.StatusConflict,
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	for sentinel, code := range errorStatus {
		if errors.Is(err, sentinel) {
			status = code
			break
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
