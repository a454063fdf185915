// Package envelope builds, decodes and validates the wrapper every loanbus
// message travels in.
//
// Two wire shapes are accepted on decode: the structured shape
//
//	{"tenantId", "correlationId", "causationId", "idempotencyKey", "actor",
//	 "occurredAt", "schemaVersion", "payload"}
//
// and the legacy flat shape {"messageId", "tenantId", ...businessFields}.
// Both are normalized into Envelope; nothing past Decode can tell them apart.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// CurrentSchemaVersion is stamped on envelopes that do not set one.
const CurrentSchemaVersion = 1

// Longest keys the ledger columns hold, in characters. Longer values would be
// truncated by MySQL and collide with other keys.
const (
	MaxIdempotencyKeyLen = 128
	MaxTenantIDLen       = 64
)

// Actor identifies who caused a message.
type Actor struct {
	UserID  string `json:"userId,omitempty"`
	Service string `json:"service,omitempty"`
}

// Envelope is the canonical in-process form of a message.
type Envelope struct {
	TenantID       string          `json:"tenantId"`
	CorrelationID  string          `json:"correlationId"`
	CausationID    string          `json:"causationId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Actor          *Actor          `json:"actor,omitempty"`
	OccurredAt     time.Time       `json:"occurredAt"`
	SchemaVersion  int             `json:"schemaVersion"`
	Payload        json.RawMessage `json:"payload"`
}

// MessageID is the deduplication key of the message.
func (e *Envelope) MessageID() string {
	return e.IdempotencyKey
}

// Bind unmarshals the payload into v. A payload that does not fit v is fatal.
func (e *Envelope) Bind(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return &EnvelopeError{Reason: "payload does not match the expected type", Err: err}
	}
	return nil
}

// Params are the inputs of Create.
type Params struct {
	TenantID       string
	CorrelationID  string
	CausationID    string
	IdempotencyKey string
	Actor          *Actor
	OccurredAt     time.Time
	SchemaVersion  int
	Payload        any
}

// Create builds an envelope, generating correlation id and idempotency key
// when absent.
func Create(p Params) (*Envelope, error) {
	if strings.TrimSpace(p.TenantID) == "" {
		return nil, &EnvelopeError{Reason: "tenantId is required"}
	}
	if p.Payload == nil {
		return nil, &EnvelopeError{Reason: "payload is required"}
	}

	var payload json.RawMessage
	switch v := p.Payload.(type) {
	case json.RawMessage:
		payload = v
	case []byte:
		payload = json.RawMessage(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, &EnvelopeError{Reason: "payload is not serializable", Err: err}
		}
		payload = b
	}
	if !gjson.ValidBytes(payload) {
		return nil, &EnvelopeError{Reason: "payload is not valid JSON"}
	}

	env := &Envelope{
		TenantID:       p.TenantID,
		CorrelationID:  p.CorrelationID,
		CausationID:    p.CausationID,
		IdempotencyKey: p.IdempotencyKey,
		Actor:          p.Actor,
		OccurredAt:     p.OccurredAt,
		SchemaVersion:  p.SchemaVersion,
		Payload:        payload,
	}
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
	}
	if env.IdempotencyKey == "" {
		env.IdempotencyKey = uuid.NewString()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	if env.SchemaVersion == 0 {
		env.SchemaVersion = CurrentSchemaVersion
	}
	if err := resolve(env); err != nil {
		return nil, err
	}
	return env, nil
}

// Encode renders env in the structured wire shape.
func Encode(env *Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return b, nil
}

// Decode parses either wire shape. Any failure is an *EnvelopeError.
func Decode(raw []byte) (*Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &EnvelopeError{Reason: "body is not valid JSON"}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, &EnvelopeError{Reason: "body is not a JSON object"}
	}

	if root.Get("payload").Exists() {
		return decodeStructured(raw, root)
	}
	if root.Get("messageId").Exists() {
		return decodeLegacy(raw, root)
	}
	return nil, &EnvelopeError{Reason: "payload is absent"}
}

func decodeStructured(raw []byte, root gjson.Result) (*Envelope, error) {
	payload := root.Get("payload")
	if payload.Type == gjson.Null {
		return nil, &EnvelopeError{Reason: "payload is absent"}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &EnvelopeError{Reason: "malformed structured envelope", Err: err}
	}
	if env.IdempotencyKey == "" {
		env.IdempotencyKey = root.Get("messageId").String()
	}
	if err := resolve(&env); err != nil {
		return nil, err
	}
	if env.SchemaVersion == 0 {
		env.SchemaVersion = CurrentSchemaVersion
	}
	return &env, nil
}

func decodeLegacy(raw []byte, root gjson.Result) (*Envelope, error) {
	env := Envelope{
		TenantID:       root.Get("tenantId").String(),
		IdempotencyKey: root.Get("messageId").String(),
		CorrelationID:  root.Get("correlationId").String(),
		SchemaVersion:  CurrentSchemaVersion,
	}
	if err := resolve(&env); err != nil {
		return nil, err
	}
	if env.CorrelationID == "" {
		env.CorrelationID = env.IdempotencyKey
	}
	if ts := root.Get("occurredAt"); ts.Exists() {
		env.OccurredAt = ts.Time()
	}

	payload := raw
	for _, field := range []string{"messageId", "tenantId"} {
		var err error
		payload, err = sjson.DeleteBytes(payload, field)
		if err != nil {
			return nil, &EnvelopeError{Reason: "malformed legacy envelope", Err: err}
		}
	}
	env.Payload = payload
	return &env, nil
}

func resolve(env *Envelope) error {
	if strings.TrimSpace(env.IdempotencyKey) == "" {
		return &EnvelopeError{Reason: "neither idempotencyKey nor messageId is present"}
	}
	if strings.TrimSpace(env.TenantID) == "" {
		return &EnvelopeError{Reason: "tenantId is absent"}
	}
	if n := utf8.RuneCountInString(env.IdempotencyKey); n > MaxIdempotencyKeyLen {
		return &EnvelopeError{Reason: fmt.Sprintf("idempotency key is %d characters, at most %d allowed", n, MaxIdempotencyKeyLen)}
	}
	if n := utf8.RuneCountInString(env.TenantID); n > MaxTenantIDLen {
		return &EnvelopeError{Reason: fmt.Sprintf("tenantId is %d characters, at most %d allowed", n, MaxTenantIDLen)}
	}
	return nil
}
