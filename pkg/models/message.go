package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ── A2A Message Types ────────────────────────────────────────

// MessageType is the closed set of coordination events agents exchange.
type MessageType string

const (
	MsgBusinessAnalysisComplete MessageType = "BUSINESS_ANALYSIS_COMPLETE"
	MsgContentStrategyReady     MessageType = "CONTENT_STRATEGY_READY"
	MsgVisualGuidanceReady      MessageType = "VISUAL_GUIDANCE_READY"
	MsgStageComplete            MessageType = "STAGE_COMPLETE"
	MsgProgressUpdate           MessageType = "PROGRESS_UPDATE"
	MsgGenerationRequest        MessageType = "GENERATION_REQUEST"
	MsgGenerationComplete       MessageType = "GENERATION_COMPLETE"
	MsgContextUpdated           MessageType = "CONTEXT_UPDATED"
	MsgErrorNotification        MessageType = "ERROR_NOTIFICATION"
	MsgAcknowledgement          MessageType = "ACKNOWLEDGEMENT"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	_, ok := payloadFactories[t]
	return ok
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// DeliveryMode controls whether Send waits for handler delivery.
type DeliveryMode string

const (
	DeliveryAsync     DeliveryMode = "async"
	DeliverySync      DeliveryMode = "sync"
	DeliveryBroadcast DeliveryMode = "broadcast"
)

// ── Payloads ─────────────────────────────────────────────────

// Payload is the typed body of a Message. The set of implementations is
// closed: one struct per MessageType.
type Payload interface {
	MessageType() MessageType
	isPayload()
}

// BusinessAnalysisComplete announces a finished business analysis.
type BusinessAnalysisComplete struct {
	Analysis BusinessAnalysis `json:"analysis"`
}

// ContentStrategyReady announces a content strategy.
type ContentStrategyReady struct {
	Strategy ContentStrategy `json:"strategy"`
}

// VisualGuidanceReady announces visual guidance for generation agents.
type VisualGuidanceReady struct {
	Guidance VisualGuidance `json:"guidance"`
}

// StageComplete tells dependents that a campaign stage finished.
type StageComplete struct {
	Stage   Stage  `json:"stage"`
	Agent   string `json:"agent"`
	Summary string `json:"summary,omitempty"`
	Version int64  `json:"version,omitempty"`
}

// ProgressUpdate reports intermediate progress of a stage.
type ProgressUpdate struct {
	Stage    Stage   `json:"stage"`
	Progress float64 `json:"progress"`
	Step     string  `json:"step,omitempty"`
}

// GenerationRequest asks a generation agent to produce an asset.
type GenerationRequest struct {
	Kind     JobKind           `json:"kind"`
	TargetID string            `json:"target_id"`
	Prompt   string            `json:"prompt"`
	Params   map[string]string `json:"params,omitempty"`
}

// GenerationComplete reports a finished generation job.
type GenerationComplete struct {
	JobID     string  `json:"job_id"`
	TargetID  string  `json:"target_id"`
	Kind      JobKind `json:"kind"`
	AssetRef  string  `json:"asset_ref"`
	FromCache bool    `json:"from_cache,omitempty"`
}

// ContextUpdated signals that the campaign context moved to Version.
type ContextUpdated struct {
	Version int64 `json:"version"`
	Stage   Stage `json:"stage,omitempty"`
}

// ErrorNotification reports a failure other agents may react to.
type ErrorNotification struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	JobID       string `json:"job_id,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// Acknowledgement is the generic response payload.
type Acknowledgement struct {
	Accepted bool   `json:"accepted"`
	Note     string `json:"note,omitempty"`
}

func (BusinessAnalysisComplete) MessageType() MessageType { return MsgBusinessAnalysisComplete }
func (ContentStrategyReady) MessageType() MessageType     { return MsgContentStrategyReady }
func (VisualGuidanceReady) MessageType() MessageType      { return MsgVisualGuidanceReady }
func (StageComplete) MessageType() MessageType            { return MsgStageComplete }
func (ProgressUpdate) MessageType() MessageType           { return MsgProgressUpdate }
func (GenerationRequest) MessageType() MessageType        { return MsgGenerationRequest }
func (GenerationComplete) MessageType() MessageType       { return MsgGenerationComplete }
func (ContextUpdated) MessageType() MessageType           { return MsgContextUpdated }
func (ErrorNotification) MessageType() MessageType        { return MsgErrorNotification }
func (Acknowledgement) MessageType() MessageType          { return MsgAcknowledgement }

func (BusinessAnalysisComplete) isPayload() {}
func (ContentStrategyReady) isPayload()     {}
func (VisualGuidanceReady) isPayload()      {}
func (StageComplete) isPayload()            {}
func (ProgressUpdate) isPayload()           {}
func (GenerationRequest) isPayload()        {}
func (GenerationComplete) isPayload()       {}
func (ContextUpdated) isPayload()           {}
func (ErrorNotification) isPayload()        {}
func (Acknowledgement) isPayload()          {}

var payloadFactories = map[MessageType]func() Payload{
	MsgBusinessAnalysisComplete: func() Payload { return &BusinessAnalysisComplete{} },
	MsgContentStrategyReady:     func() Payload { return &ContentStrategyReady{} },
	MsgVisualGuidanceReady:      func() Payload { return &VisualGuidanceReady{} },
	MsgStageComplete:            func() Payload { return &StageComplete{} },
	MsgProgressUpdate:           func() Payload { return &ProgressUpdate{} },
	MsgGenerationRequest:        func() Payload { return &GenerationRequest{} },
	MsgGenerationComplete:       func() Payload { return &GenerationComplete{} },
	MsgContextUpdated:           func() Payload { return &ContextUpdated{} },
	MsgErrorNotification:        func() Payload { return &ErrorNotification{} },
	MsgAcknowledgement:          func() Payload { return &Acknowledgement{} },
}

// DecodePayload decodes raw JSON into the payload struct registered for t.
// The returned value is the struct itself, not a pointer, so decoded
// payloads compare equal to the values that were encoded.
func DecodePayload(t MessageType, raw json.RawMessage) (Payload, error) {
	factory, ok := payloadFactories[t]
	if !ok {
		return nil, fmt.Errorf("unknown message type %q", t)
	}
	ptr := factory()
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, ptr); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
	}
	return derefPayload(ptr), nil
}

func derefPayload(p Payload) Payload {
	switch v := p.(type) {
	case *BusinessAnalysisComplete:
		return *v
	case *ContentStrategyReady:
		return *v
	case *VisualGuidanceReady:
		return *v
	case *StageComplete:
		return *v
	case *ProgressUpdate:
		return *v
	case *GenerationRequest:
		return *v
	case *GenerationComplete:
		return *v
	case *ContextUpdated:
		return *v
	case *ErrorNotification:
		return *v
	case *Acknowledgement:
		return *v
	}
	return p
}

// ── Message Envelope ─────────────────────────────────────────

// Message is the A2A envelope routed by the message bus. After Send the bus
// owns the delivery bookkeeping fields (DeliveredTo, FailedDeliveries,
// ResponseReceived).
type Message struct {
	ID               string        `json:"id"`
	Type             MessageType   `json:"type"`
	Sender           string        `json:"sender"`
	Recipients       []string      `json:"recipients"`
	CampaignID       string        `json:"campaign_id,omitempty"`
	Payload          Payload       `json:"-"`
	Priority         Priority      `json:"priority"`
	DeliveryMode     DeliveryMode  `json:"delivery_mode"`
	RequiresResponse bool          `json:"requires_response"`
	ResponseTimeout  time.Duration `json:"response_timeout,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`

	DeliveredTo      []string `json:"delivered_to,omitempty"`
	FailedDeliveries []string `json:"failed_deliveries,omitempty"`
	ResponseReceived bool     `json:"response_received"`
}

// NewMessage builds an async, normal-priority message whose Type is derived
// from the payload.
func NewMessage(sender string, recipients []string, campaignID string, payload Payload) *Message {
	m := &Message{
		ID:           uuid.New().String(),
		Sender:       sender,
		Recipients:   slices.Clone(recipients),
		CampaignID:   campaignID,
		Payload:      payload,
		Priority:     PriorityNormal,
		DeliveryMode: DeliveryAsync,
		CreatedAt:    time.Now().UTC(),
	}
	if payload != nil {
		m.Type = payload.MessageType()
	}
	return m
}

// Snapshot returns a copy safe to hand to readers. Payloads are values and
// are shared.
func (m *Message) Snapshot() Message {
	out := *m
	out.Recipients = slices.Clone(m.Recipients)
	out.DeliveredTo = slices.Clone(m.DeliveredTo)
	out.FailedDeliveries = slices.Clone(m.FailedDeliveries)
	return out
}

type messageAlias Message

type messageJSON struct {
	messageAlias
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON writes the payload next to the envelope; Type acts as the tag.
func (m Message) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if m.Payload != nil {
		b, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", m.Type, err)
		}
		raw = b
	}
	return json.Marshal(messageJSON{messageAlias: messageAlias(m), Payload: raw})
}

// UnmarshalJSON restores the concrete payload struct from the type tag.
func (m *Message) UnmarshalJSON(data []byte) error {
	var aux messageJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = Message(aux.messageAlias)
	if len(aux.Payload) > 0 {
		p, err := DecodePayload(m.Type, aux.Payload)
		if err != nil {
			return err
		}
		m.Payload = p
	}
	return nil
}

// Response is what a handler returned for a message that required one.
type Response struct {
	MessageID  string    `json:"message_id"`
	Responder  string    `json:"responder"`
	Payload    Payload   `json:"-"`
	ReceivedAt time.Time `json:"received_at"`
}

// AgentInfo is a message-bus registry entry.
type AgentInfo struct {
	Name         string            `json:"name"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Active       bool              `json:"active"`
	RegisteredAt time.Time         `json:"registered_at"`
	LastSeen     time.Time         `json:"last_seen"`
}
