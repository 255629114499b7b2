package casestate

import (
	"fmt"
	"strings"
	"time"

	"vetdesk/internal/domain"
	"vetdesk/internal/failure"
)

// Event is one lifecycle transition request.
// Params: name, required source status, target status and field changes.
// Returns: transition description consumed by Apply.
type Event interface {
	Name() string
	From() domain.Status
	To() domain.Status
	apply(c *domain.EmergencyCase) error
}

// Posted binds a case to the message that announced it in the expert channel.
type Posted struct {
	Ref string
	At  time.Time
}

// Name returns transition name.
func (Posted) Name() string { return "posted" }

// From returns required source status.
func (Posted) From() domain.Status { return domain.StatusPendingReview }

// To returns target status.
func (Posted) To() domain.Status { return domain.StatusAwaitingResponse }

func (e Posted) apply(c *domain.EmergencyCase) error {
	ref := strings.TrimSpace(e.Ref)
	if ref == "" {
		return fmt.Errorf("expert channel ref is required")
	}
	if c.ExpertChannelRef != "" && c.ExpertChannelRef != ref {
		return fmt.Errorf("expert channel ref already set to %q", c.ExpertChannelRef)
	}
	at := notBefore(e.At, c.CreatedAt)
	c.ExpertChannelRef = ref
	c.PostedAt = &at
	return nil
}

// Responded records the first accepted expert reply.
type Responded struct {
	Text        string
	Responder   string
	ResponderID string
	At          time.Time
}

// Name returns transition name.
func (Responded) Name() string { return "responded" }

// From returns required source status.
func (Responded) From() domain.Status { return domain.StatusAwaitingResponse }

// To returns target status.
func (Responded) To() domain.Status { return domain.StatusResponseReady }

func (e Responded) apply(c *domain.EmergencyCase) error {
	text := strings.TrimSpace(e.Text)
	if text == "" {
		return fmt.Errorf("response text is required")
	}
	if c.ResponseText != "" {
		return fmt.Errorf("response already recorded")
	}
	floor := c.CreatedAt
	if c.PostedAt != nil {
		floor = *c.PostedAt
	}
	at := notBefore(e.At, floor)
	c.ResponseText = text
	c.ResponderIdentity = strings.TrimSpace(e.Responder)
	c.ResponderID = strings.TrimSpace(e.ResponderID)
	c.RespondedAt = &at
	return nil
}

// Delivered records that the response reached the farmer.
type Delivered struct {
	At time.Time
}

// Name returns transition name.
func (Delivered) Name() string { return "delivered" }

// From returns required source status.
func (Delivered) From() domain.Status { return domain.StatusResponseReady }

// To returns target status.
func (Delivered) To() domain.Status { return domain.StatusCompleted }

func (e Delivered) apply(c *domain.EmergencyCase) error {
	if c.CompletedAt != nil {
		return fmt.Errorf("case already completed")
	}
	floor := c.CreatedAt
	if c.RespondedAt != nil {
		floor = *c.RespondedAt
	}
	at := notBefore(e.At, floor)
	c.CompletedAt = &at
	return nil
}

// Open builds a new case in pending_review.
// Params: assigned case id, farmer binding, extracted payload and creation time.
// Returns: case or detection error when mandatory payload fields are missing.
func Open(caseID string, farmer domain.FarmerRef, payload domain.EmergencyPayload, now time.Time) (domain.EmergencyCase, error) {
	const op = "casestate.open"
	if strings.TrimSpace(caseID) == "" {
		return domain.EmergencyCase{}, failure.Errorf(failure.KindInvalidTransition, op, "case id is required")
	}
	if strings.TrimSpace(farmer.ChannelUserID) == "" {
		return domain.EmergencyCase{}, failure.Errorf(failure.KindInvalidTransition, op, "farmer channel user id is required")
	}
	category := strings.TrimSpace(payload.Category)
	if category == "" {
		return domain.EmergencyCase{}, failure.Errorf(failure.KindDetection, op, "category is required")
	}
	return domain.EmergencyCase{
		CaseID:        caseID,
		Farmer:        farmer,
		Category:      category,
		Severity:      domain.NormalizeSeverity(string(payload.Severity)),
		Confidence:    strings.TrimSpace(payload.Confidence),
		Reasoning:     strings.TrimSpace(payload.Reasoning),
		OriginalQuery: payload.OriginalQuery,
		MediaRef:      strings.TrimSpace(payload.MediaRef),
		Status:        domain.StatusPendingReview,
		CreatedAt:     now.UTC(),
	}, nil
}

// Apply validates event against case status and returns the advanced copy.
// Params: current case and transition event.
// Returns: updated case, or the input unchanged with invalid transition error.
func Apply(c domain.EmergencyCase, ev Event) (domain.EmergencyCase, error) {
	op := "casestate." + ev.Name()
	if c.Status != ev.From() {
		return c, failure.New(failure.KindInvalidTransition, op,
			fmt.Errorf("case %s is %s, want %s", c.CaseID, c.Status, ev.From()))
	}
	next := c
	if err := ev.apply(&next); err != nil {
		return c, failure.New(failure.KindInvalidTransition, op, err)
	}
	next.Status = ev.To()
	return next, nil
}

// Next returns the single allowed successor state.
// Params: current status.
// Returns: successor and false for completed or unknown status.
func Next(status domain.Status) (domain.Status, bool) {
	rank := status.Rank()
	if rank < 0 || rank+1 >= len(domain.Statuses) {
		return "", false
	}
	return domain.Statuses[rank+1], true
}

// IsForward reports whether to is the immediate successor of from.
func IsForward(from, to domain.Status) bool {
	next, ok := Next(from)
	return ok && next == to
}

// ValidateSuccessor checks that next is a legal replacement for prev.
// Params: stored record and candidate replacement.
// Returns: invalid transition error when an immutable or write-once field changes,
// status skips or regresses, or timestamps go out of order.
func ValidateSuccessor(prev, next domain.EmergencyCase) error {
	const op = "casestate.validate"
	reject := func(format string, args ...any) error {
		return failure.New(failure.KindInvalidTransition, op, fmt.Errorf(format, args...))
	}
	if next.CaseID != prev.CaseID {
		return reject("case id is immutable")
	}
	if !next.CreatedAt.Equal(prev.CreatedAt) {
		return reject("created_at is immutable")
	}
	if next.Status != prev.Status && !IsForward(prev.Status, next.Status) {
		return reject("status %s -> %s is not a forward step", prev.Status, next.Status)
	}
	if prev.ExpertChannelRef != "" && next.ExpertChannelRef != prev.ExpertChannelRef {
		return reject("expert_channel_ref is write-once")
	}
	if prev.ResponseText != "" && (next.ResponseText != prev.ResponseText || next.ResponderIdentity != prev.ResponderIdentity) {
		return reject("response is write-once")
	}
	if prev.CompletedAt != nil && (next.CompletedAt == nil || !next.CompletedAt.Equal(*prev.CompletedAt)) {
		return reject("completed_at is write-once")
	}
	rank := next.Status.Rank()
	if rank >= domain.StatusAwaitingResponse.Rank() && next.ExpertChannelRef == "" {
		return reject("status %s requires expert_channel_ref", next.Status)
	}
	if rank >= domain.StatusResponseReady.Rank() && next.ResponseText == "" {
		return reject("status %s requires response_text", next.Status)
	}
	if rank >= domain.StatusCompleted.Rank() && next.CompletedAt == nil {
		return reject("status %s requires completed_at", next.Status)
	}
	if err := checkTimeline(next); err != nil {
		return reject("%v", err)
	}
	return nil
}

// checkTimeline verifies created <= posted <= responded <= completed.
func checkTimeline(c domain.EmergencyCase) error {
	last := c.CreatedAt
	steps := []struct {
		name string
		at   *time.Time
	}{
		{"posted_at", c.PostedAt},
		{"responded_at", c.RespondedAt},
		{"completed_at", c.CompletedAt},
	}
	for _, step := range steps {
		if step.at == nil {
			continue
		}
		if step.at.Before(last) {
			return fmt.Errorf("%s precedes earlier lifecycle timestamp", step.name)
		}
		last = *step.at
	}
	return nil
}

// notBefore clamps at so lifecycle timestamps never go backwards.
func notBefore(at, floor time.Time) time.Time {
	if at.IsZero() || at.Before(floor) {
		return floor.UTC()
	}
	return at.UTC()
}
