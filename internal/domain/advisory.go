package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EmergencyPayload is the structured content extracted from an emergency marker.
// Params: category, severity, confidence, reasoning, query/media and farmer-facing text.
// Returns: input for case creation and farmer notice rendering.
type EmergencyPayload struct {
	Category                 string   `json:"category"`
	Severity                 Severity `json:"severity"`
	Confidence               string   `json:"confidence,omitempty"`
	Reasoning                string   `json:"reasoning,omitempty"`
	OriginalQuery            string   `json:"original_query"`
	MediaRef                 string   `json:"media_ref,omitempty"`
	FarmerFacingInstructions string   `json:"farmer_facing_instructions,omitempty"`
}

// Advisory is one advisory agent reply together with farmer context.
// Params: farmer binding, farmer question, optional media and raw agent output.
// Returns: unit of work for the farmer pipeline.
type Advisory struct {
	Farmer      FarmerRef `json:"farmer"`
	Query       string    `json:"query"`
	MediaRef    string    `json:"media_ref,omitempty"`
	AgentOutput string    `json:"agent_output"`
}

// Validate checks mandatory advisory fields.
// Params: advisory decoded from transport.
// Returns: validation error when contract is violated.
func (a Advisory) Validate() error {
	if strings.TrimSpace(a.Farmer.ChannelUserID) == "" {
		return errors.New("farmer.channel_user_id is required")
	}
	if strings.TrimSpace(a.AgentOutput) == "" {
		return errors.New("agent_output is required")
	}
	return nil
}

// DecodeAdvisory decodes and validates one advisory payload.
// Params: JSON document bytes.
// Returns: validated advisory or decode/validation error.
func DecodeAdvisory(raw []byte) (Advisory, error) {
	var advisory Advisory
	if err := json.Unmarshal(raw, &advisory); err != nil {
		return Advisory{}, fmt.Errorf("decode advisory: %w", err)
	}
	if err := advisory.Validate(); err != nil {
		return Advisory{}, err
	}
	return advisory, nil
}

// DecodeAdvisoryReader decodes and validates one advisory from stream.
// Params: decoder positioned at one JSON object.
// Returns: validated advisory or decode/validation error.
func DecodeAdvisoryReader(reader *json.Decoder) (Advisory, error) {
	var advisory Advisory
	if err := reader.Decode(&advisory); err != nil {
		return Advisory{}, fmt.Errorf("decode advisory: %w", err)
	}
	if err := advisory.Validate(); err != nil {
		return Advisory{}, err
	}
	return advisory, nil
}

// Sender identifies the author of an inbound expert message.
type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// InboundEvent is one message observed in the expert channel.
// Params: message ref, optional replied-to ref, body text, sender and receive time.
// Returns: correlator input.
type InboundEvent struct {
	MessageRef string    `json:"message_ref"`
	ReplyToRef string    `json:"reply_to_ref,omitempty"`
	Text       string    `json:"text"`
	Sender     Sender    `json:"sender"`
	ReceivedAt time.Time `json:"received_at"`
}

// CaseEventType identifies lifecycle event published for a case.
type CaseEventType string

const (
	CaseEventEscalated CaseEventType = "escalated"
	CaseEventResponded CaseEventType = "responded"
	CaseEventCompleted CaseEventType = "completed"
)

// CaseEvent is one lifecycle notification emitted after a committed transition.
// Params: event type, case snapshot summary and event time.
// Returns: payload for lifecycle publishers.
type CaseEvent struct {
	Type     CaseEventType `json:"type"`
	CaseID   string        `json:"case_id"`
	Status   Status        `json:"status"`
	Category string        `json:"category"`
	Severity Severity      `json:"severity"`
	FarmerID string        `json:"farmer_id"`
	At       time.Time     `json:"at"`
}

// NewCaseEvent builds lifecycle event from case snapshot.
// Params: event type, case and event time.
// Returns: populated event.
func NewCaseEvent(eventType CaseEventType, c EmergencyCase, at time.Time) CaseEvent {
	return CaseEvent{
		Type:     eventType,
		CaseID:   c.CaseID,
		Status:   c.Status,
		Category: c.Category,
		Severity: c.Severity,
		FarmerID: c.Farmer.ChannelUserID,
		At:       at,
	}
}
