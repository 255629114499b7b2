package domain

import (
	"strings"
	"time"
)

// Status is emergency case lifecycle state.
// Params: pending_review/awaiting_response/response_ready/completed constants.
// Returns: state used by store guards and scanners.
type Status string

const (
	// StatusPendingReview marks a stored case not yet posted to the expert channel.
	StatusPendingReview Status = "pending_review"
	// StatusAwaitingResponse marks a case posted and waiting for an expert reply.
	StatusAwaitingResponse Status = "awaiting_response"
	// StatusResponseReady marks a case with an accepted expert reply not yet delivered.
	StatusResponseReady Status = "response_ready"
	// StatusCompleted marks a case whose reply reached the farmer.
	StatusCompleted Status = "completed"
)

// Statuses lists lifecycle states in forward order.
var Statuses = []Status{
	StatusPendingReview,
	StatusAwaitingResponse,
	StatusResponseReady,
	StatusCompleted,
}

// Rank returns lifecycle position of status.
// Params: none.
// Returns: zero-based order or -1 for unknown values.
func (s Status) Rank() int {
	for i, candidate := range Statuses {
		if candidate == s {
			return i
		}
	}
	return -1
}

// Valid reports whether status is one of known lifecycle states.
// Params: none.
// Returns: true for known state.
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// ParseStatus normalizes operator-provided status value.
// Params: raw status such as "awaiting_response" or "AWAITING-RESPONSE".
// Returns: status and true when recognized.
func ParseStatus(raw string) (Status, bool) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_")
	status := Status(normalized)
	return status, status.Valid()
}

// Severity is advisory urgency level.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// NormalizeSeverity maps free-form severity text to known level.
// Params: raw severity token from advisory output.
// Returns: known severity; empty and unknown values fall back to high.
func NormalizeSeverity(raw string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(raw))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityMedium:
		return SeverityMedium
	case SeverityLow:
		return SeverityLow
	default:
		return SeverityHigh
	}
}

// FarmerRef identifies the farmer conversation a case belongs to.
// Params: channel user id, session id, optional display name and channel kind.
// Returns: delivery target for farmer notifications.
type FarmerRef struct {
	ChannelUserID string `json:"channel_user_id"`
	SessionID     string `json:"session_id"`
	DisplayName   string `json:"display_name,omitempty"`
	Channel       string `json:"channel,omitempty"`
}

// Label returns a human-readable farmer name.
// Params: none.
// Returns: display name or channel user id.
func (f FarmerRef) Label() string {
	if name := strings.TrimSpace(f.DisplayName); name != "" {
		return name
	}
	return f.ChannelUserID
}

// EmergencyCase is one durable escalation record.
// Params: identity, farmer binding, advisory metadata, expert binding and lifecycle timestamps.
// Returns: case stored by backends and rendered into messages.
type EmergencyCase struct {
	CaseID            string     `json:"case_id"`
	Farmer            FarmerRef  `json:"farmer"`
	Category          string     `json:"category"`
	Severity          Severity   `json:"severity"`
	Confidence        string     `json:"confidence,omitempty"`
	Reasoning         string     `json:"reasoning,omitempty"`
	OriginalQuery     string     `json:"original_query"`
	MediaRef          string     `json:"media_ref,omitempty"`
	ExpertChannelRef  string     `json:"expert_channel_ref,omitempty"`
	Status            Status     `json:"status"`
	ResponseText      string     `json:"response_text,omitempty"`
	ResponderIdentity string     `json:"responder_identity,omitempty"`
	ResponderID       string     `json:"responder_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	PostedAt          *time.Time `json:"posted_at,omitempty"`
	RespondedAt       *time.Time `json:"responded_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Active reports whether case still needs expert or notifier work.
// Params: none.
// Returns: false only for completed cases.
func (c EmergencyCase) Active() bool {
	return c.Status != StatusCompleted
}

// Age returns elapsed time since case creation.
// Params: reference time.
// Returns: non-negative duration.
func (c EmergencyCase) Age(now time.Time) time.Duration {
	if now.Before(c.CreatedAt) {
		return 0
	}
	return now.Sub(c.CreatedAt)
}

// Stats aggregates case counts by status.
type Stats struct {
	Total    int            `json:"total"`
	Active   int            `json:"active"`
	ByStatus map[Status]int `json:"by_status"`
}

// CountStats builds status counters for a case list.
// Params: cases to count.
// Returns: totals with every known status present in ByStatus.
func CountStats(cases []EmergencyCase) Stats {
	stats := Stats{ByStatus: make(map[Status]int, len(Statuses))}
	for _, status := range Statuses {
		stats.ByStatus[status] = 0
	}
	for _, c := range cases {
		stats.Total++
		stats.ByStatus[c.Status]++
		if c.Active() {
			stats.Active++
		}
	}
	return stats
}
