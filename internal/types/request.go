package types

import "github.com/holiman/uint256"

// Response is the payload a producer submits via Respond.
type Response struct {
	ResponseData string       `json:"responseData"`
	RefundAmount *uint256.Int `json:"refundAmount,omitempty"`
}

// Outcome is what the host resumes a suspended request with: either a
// producer's Response, or a timeout marker (Response == nil).
type Outcome struct {
	Response *Response
}

// TimedOut reports whether this outcome represents the host-imposed
// deadline elapsing with no Respond call.
func (o Outcome) TimedOut() bool {
	return o.Response == nil
}

// PendingRequest is the resumption handle stored under a producer while
// a request awaits a response (spec.md §3, Producer.requests_pending).
type PendingRequest struct {
	RequestId       RequestId
	ConsumerId      ConsumerId
	ResumptionToken ResumptionToken
	PrepaidFee      PrepaidFee
}

// Event names carried on the event channel (spec.md §4.5).
const (
	EventRequest         = "request"
	EventProducerCreated = "producer_created"
	EventProducerUpdated = "producer_updated"
)

// RequestEventData is the payload of a Request event.
type RequestEventData struct {
	ProducerId  ProducerId `json:"producerId"`
	ConsumerId  ConsumerId `json:"consumerId"`
	RequestId   RequestId  `json:"requestId"`
	RequestData string     `json:"requestData"`
}
