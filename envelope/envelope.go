// Package envelope defines the canonical message value exchanged over the
// bus: the JSON wire body (meta/status/payload/system) plus the AMQP
// properties and headers that carry identity and retry state.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// TimeLayout is the wire format for created_at: millisecond precision, UTC.
const TimeLayout = "2006-01-02 15:04:05.000"

// Outcome codes for Status.Code.
const (
	StatusUnknown = "unknown"
	StatusSuccess = "success"
	StatusError   = "error"
	StatusWarning = "warning"
	StatusInfo    = "info"
	StatusDebug   = "debug"
)

// AMQP header names written on redelivery and read on ingress.
const (
	HeaderRetryCount = "x-retry-count"
	HeaderDelay      = "x-delay"
)

// ErrInvalidDelivery marks an inbound delivery that fails header or body
// validation. Such messages are acknowledged and dropped, never retried.
var ErrInvalidDelivery = errors.New("invalid delivery")

// Status reports a handler outcome for higher-level tooling.
type Status struct {
	Code  string         `json:"code"`
	Data  map[string]any `json:"data,omitempty"`
	Debug string         `json:"debug,omitempty"`
	Error string         `json:"error,omitempty"`
}

type system struct {
	IsDebug       bool    `json:"is_debug"`
	ConsumerError *string `json:"consumer_error"`
}

type wireBody struct {
	Meta      map[string]any `json:"meta"`
	Status    Status         `json:"status"`
	Payload   map[string]any `json:"payload"`
	System    system         `json:"system"`
	CreatedAt string         `json:"created_at,omitempty"`
}

// Envelope is the unit of communication. Mutators are chainable; a freshly
// constructed envelope has a generated message id, persistent delivery mode,
// a millisecond created_at stamp and status code "unknown".
type Envelope struct {
	messageID  string
	eventType  string
	producerID string

	payload map[string]any
	meta    map[string]any
	status  Status

	isDebug       bool
	consumerError string

	retryCount int
	delayMS    int64

	createdAt    time.Time
	deliveryMode uint8

	// raw holds a body handed in pre-serialized; it is re-served verbatim
	// until a body-affecting mutator runs.
	raw []byte
}

func New() *Envelope {
	return &Envelope{
		messageID:    uuid.NewString(),
		payload:      map[string]any{},
		meta:         map[string]any{},
		status:       Status{Code: StatusUnknown},
		createdAt:    time.Now().UTC().Truncate(time.Millisecond),
		deliveryMode: amqp.Persistent,
	}
}

// FromJSON wraps an already-serialized wire body. The bytes are stored
// verbatim and served as-is by Body until a mutator touches body content.
func FromJSON(raw []byte) (*Envelope, error) {
	e := New()
	var b wireBody
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("envelope: invalid body json: %w", err)
	}
	e.applyWireBody(b)
	e.raw = append([]byte(nil), raw...)
	return e, nil
}

func (e *Envelope) applyWireBody(b wireBody) {
	if b.Payload != nil {
		e.payload = b.Payload
	}
	if b.Meta != nil {
		e.meta = b.Meta
	}
	if b.Status.Code != "" {
		e.status = b.Status
	}
	e.isDebug = b.System.IsDebug
	if b.System.ConsumerError != nil {
		e.consumerError = *b.System.ConsumerError
	}
	if b.CreatedAt != "" {
		if t, err := time.Parse(TimeLayout, b.CreatedAt); err == nil {
			e.createdAt = t.UTC()
		}
	}
}

// invalidate drops the verbatim body after a body-affecting mutation.
func (e *Envelope) invalidate() { e.raw = nil }

// --- builder mutators ---

// SetID exposes the message id to the store layer; the publish path must
// never rewrite it.
func (e *Envelope) SetID(id string) *Envelope {
	e.messageID = id
	return e
}

func (e *Envelope) SetEvent(eventType string) *Envelope {
	e.eventType = eventType
	return e
}

func (e *Envelope) SetProducer(producerID string) *Envelope {
	e.producerID = producerID
	return e
}

// AddPayload merges m into the payload; with replace the payload is swapped
// wholesale.
func (e *Envelope) AddPayload(m map[string]any, replace bool) *Envelope {
	e.invalidate()
	if replace || e.payload == nil {
		e.payload = map[string]any{}
	}
	for k, v := range m {
		e.payload[k] = v
	}
	return e
}

func (e *Envelope) AddPayloadAttribute(key string, value any) *Envelope {
	e.invalidate()
	if e.payload == nil {
		e.payload = map[string]any{}
	}
	e.payload[key] = value
	return e
}

func (e *Envelope) AddMeta(m map[string]any) *Envelope {
	e.invalidate()
	if e.meta == nil {
		e.meta = map[string]any{}
	}
	for k, v := range m {
		e.meta[k] = v
	}
	return e
}

// SetTraceID records the ordered trace-span sequence in meta.
func (e *Envelope) SetTraceID(ids []string) *Envelope {
	e.invalidate()
	if e.meta == nil {
		e.meta = map[string]any{}
	}
	e.meta["trace_id"] = ids
	return e
}

func (e *Envelope) SetStatus(code string, data map[string]any, debug, errMsg string) *Envelope {
	e.invalidate()
	e.status = Status{Code: code, Data: data, Debug: debug, Error: errMsg}
	return e
}

// SetConsumerError records the last failure reason before DLQ routing.
func (e *Envelope) SetConsumerError(reason string) *Envelope {
	e.invalidate()
	e.consumerError = reason
	return e
}

func (e *Envelope) SetDebug(debug bool) *Envelope {
	e.invalidate()
	e.isDebug = debug
	return e
}

func (e *Envelope) SetCreatedAt(t time.Time) *Envelope {
	e.invalidate()
	e.createdAt = t.UTC().Truncate(time.Millisecond)
	return e
}

// SetRetryCount is used by the consumer when building a redelivery. The
// count is monotonically non-decreasing across attempts.
func (e *Envelope) SetRetryCount(n int) *Envelope {
	if n > e.retryCount {
		e.retryCount = n
	}
	return e
}

// SetDelay sets the x-delay header for delayed redelivery, in milliseconds.
func (e *Envelope) SetDelay(ms int64) *Envelope {
	e.delayMS = ms
	return e
}

// --- accessors ---

func (e *Envelope) MessageID() string       { return e.messageID }
func (e *Envelope) EventType() string       { return e.eventType }
func (e *Envelope) ProducerID() string      { return e.producerID }
func (e *Envelope) Payload() map[string]any { return e.payload }
func (e *Envelope) Meta() map[string]any    { return e.meta }
func (e *Envelope) Status() Status          { return e.status }
func (e *Envelope) IsDebug() bool           { return e.isDebug }
func (e *Envelope) ConsumerError() string   { return e.consumerError }
func (e *Envelope) CreatedAt() time.Time    { return e.createdAt }
func (e *Envelope) DeliveryMode() uint8     { return e.deliveryMode }
func (e *Envelope) DelayMS() int64          { return e.delayMS }

// RetryCount reads the retry counter carried across attempts; 0 on first
// delivery.
func (e *Envelope) RetryCount() int { return e.retryCount }

// Body serializes the wire body. A body handed in pre-serialized is
// returned byte-identical as long as no mutator has touched body content.
func (e *Envelope) Body() ([]byte, error) {
	if e.raw != nil {
		return e.raw, nil
	}
	var consumerErr *string
	if e.consumerError != "" {
		consumerErr = &e.consumerError
	}
	b := wireBody{
		Meta:    e.meta,
		Status:  e.status,
		Payload: e.payload,
		System:  system{IsDebug: e.isDebug, ConsumerError: consumerErr},
	}
	if !e.createdAt.IsZero() {
		b.CreatedAt = e.createdAt.UTC().Format(TimeLayout)
	}
	return json.Marshal(b)
}

// Publishing converts the envelope to an amqp.Publishing. The message id is
// carried bit-identically; it is never regenerated here.
func (e *Envelope) Publishing() (amqp.Publishing, error) {
	body, err := e.Body()
	if err != nil {
		return amqp.Publishing{}, err
	}
	headers := amqp.Table{HeaderRetryCount: int32(e.retryCount)}
	if e.delayMS > 0 {
		headers[HeaderDelay] = e.delayMS
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: e.deliveryMode,
		MessageId:    e.messageID,
		Type:         e.eventType,
		AppId:        e.producerID,
		Timestamp:    e.createdAt,
		Headers:      headers,
		Body:         body,
	}, nil
}

// FromDelivery validates and decodes an inbound delivery. Missing type,
// message id or app id, or an unparseable body, yield ErrInvalidDelivery;
// the consumer acknowledges and drops such messages.
func FromDelivery(d amqp.Delivery) (*Envelope, error) {
	if d.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidDelivery)
	}
	if d.MessageId == "" {
		return nil, fmt.Errorf("%w: missing message_id", ErrInvalidDelivery)
	}
	if d.AppId == "" {
		return nil, fmt.Errorf("%w: missing app_id", ErrInvalidDelivery)
	}

	e, err := FromJSON(d.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDelivery, err)
	}
	e.messageID = d.MessageId
	e.eventType = d.Type
	e.producerID = d.AppId
	e.retryCount = headerInt(d.Headers, HeaderRetryCount)
	e.delayMS = int64(headerInt(d.Headers, HeaderDelay))
	if d.DeliveryMode != 0 {
		e.deliveryMode = d.DeliveryMode
	}
	return e, nil
}

// headerInt tolerates the integer widths brokers hand back for headers.
func headerInt(h amqp.Table, key string) int {
	if h == nil {
		return 0
	}
	switch v := h[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
