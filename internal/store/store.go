package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"vetdesk/internal/casestate"
	"vetdesk/internal/domain"
	"vetdesk/internal/failure"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates absent case.
	ErrNotFound = &failure.Error{Kind: failure.KindNotFound, Op: "store", Err: errors.New("case not found")}
	// ErrConflict indicates status or revision mismatch for compare-and-update.
	ErrConflict = &failure.Error{Kind: failure.KindStoreConflict, Op: "store", Err: errors.New("status or revision mismatch")}
)

// Mutator changes a case copy inside Update.
// Params: pointer to a copy of the stored case.
// Returns: error to abort the update without writing.
type Mutator func(c *domain.EmergencyCase) error

// Store provides durable case persistence with compare-and-update semantics.
// Params: create/get/update/list/reverse-lookup operations.
// Returns: backend persistence behavior.
type Store interface {
	Create(ctx context.Context, c domain.EmergencyCase) (string, error)
	Get(ctx context.Context, caseID string) (domain.EmergencyCase, error)
	Update(ctx context.Context, caseID string, expected domain.Status, mutate Mutator) (domain.EmergencyCase, error)
	List(ctx context.Context, statuses ...domain.Status) ([]domain.EmergencyCase, error)
	FindByExpertRef(ctx context.Context, ref string) (domain.EmergencyCase, error)
	Close() error
}

// NewCaseID returns a short upper-case case identifier.
// Params: none.
// Returns: 8 hex characters from a random UUID.
func NewCaseID() string {
	return strings.ToUpper(uuid.NewString()[:8])
}

// Transition returns mutator applying one lifecycle event.
// Params: lifecycle event.
// Returns: mutator for Store.Update.
func Transition(ev casestate.Event) Mutator {
	return func(c *domain.EmergencyCase) error {
		next, err := casestate.Apply(*c, ev)
		if err != nil {
			return err
		}
		*c = next
		return nil
	}
}

// Advance applies lifecycle event keyed on the event source status.
// Params: context, store, case id and event.
// Returns: updated case or store/transition error.
func Advance(ctx context.Context, s Store, caseID string, ev casestate.Event) (domain.EmergencyCase, error) {
	return s.Update(ctx, caseID, ev.From(), Transition(ev))
}

// unavailable wraps backend connectivity failure.
func unavailable(op string, err error) error {
	return failure.New(failure.KindStoreUnavailable, op, err)
}

// conflict wraps ErrConflict with detail.
func conflict(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}

// validateNew checks a case before Create.
func validateNew(c domain.EmergencyCase) error {
	if strings.TrimSpace(c.CaseID) == "" {
		return failure.Errorf(failure.KindInvalidTransition, "store.create", "case id is required")
	}
	if c.Status != domain.StatusPendingReview {
		return failure.Errorf(failure.KindInvalidTransition, "store.create", "new case must be pending_review, got "+string(c.Status))
	}
	return nil
}

// applyMutation runs the shared write guard for every backend.
// Params: stored case, expected status and mutator.
// Returns: replacement case, ErrConflict on status mismatch, or mutator/guard error.
func applyMutation(prev domain.EmergencyCase, expected domain.Status, mutate Mutator) (domain.EmergencyCase, error) {
	if prev.Status != expected {
		return prev, conflict("case %s is %s, expected %s", prev.CaseID, prev.Status, expected)
	}
	next := cloneCase(prev)
	if err := mutate(&next); err != nil {
		return prev, err
	}
	if err := casestate.ValidateSuccessor(prev, next); err != nil {
		return prev, err
	}
	return next, nil
}

// cloneCase copies a case including timestamp pointers.
func cloneCase(c domain.EmergencyCase) domain.EmergencyCase {
	out := c
	out.PostedAt = cloneTime(c.PostedAt)
	out.RespondedAt = cloneTime(c.RespondedAt)
	out.CompletedAt = cloneTime(c.CompletedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// statusFilter builds status membership predicate; empty filter matches everything.
func statusFilter(statuses []domain.Status) func(domain.Status) bool {
	if len(statuses) == 0 {
		return func(domain.Status) bool { return true }
	}
	set := make(map[domain.Status]struct{}, len(statuses))
	for _, status := range statuses {
		set[status] = struct{}{}
	}
	return func(status domain.Status) bool {
		_, ok := set[status]
		return ok
	}
}

// sortCases orders cases by creation time then id.
func sortCases(cases []domain.EmergencyCase) {
	sort.Slice(cases, func(i, j int) bool {
		if cases[i].CreatedAt.Equal(cases[j].CreatedAt) {
			return cases[i].CaseID < cases[j].CaseID
		}
		return cases[i].CreatedAt.Before(cases[j].CreatedAt)
	})
}
