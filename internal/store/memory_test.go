package store

import (
	"context"
	"errors"
	"testing"

	"vetdesk/internal/casestate"
	"vetdesk/internal/domain"
	"vetdesk/internal/failure"
)

func TestMemoryStoreSuite(t *testing.T) {
	t.Parallel()

	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	c := mustCreate(t, s, newPendingCase(t, 0))
	posted := mustAdvance(t, s, c.CaseID, casestate.Posted{Ref: "r1"})
	*posted.PostedAt = posted.PostedAt.Add(99999)

	stored, err := s.Get(context.Background(), c.CaseID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.PostedAt.Equal(*posted.PostedAt) {
		t.Fatalf("caller mutation leaked into store")
	}
}

func TestMemoryStoreCreateValidates(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	if _, err := s.Create(context.Background(), domain.EmergencyCase{Status: domain.StatusPendingReview}); !errors.Is(err, failure.InvalidTransition) {
		t.Fatalf("expected missing id rejection, got %v", err)
	}
	c := newPendingCase(t, 0)
	c.Status = domain.StatusCompleted
	if _, err := s.Create(context.Background(), c); !errors.Is(err, failure.InvalidTransition) {
		t.Fatalf("expected non-initial status rejection, got %v", err)
	}
}

func TestMutatorErrorAbortsUpdate(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	c := mustCreate(t, s, newPendingCase(t, 0))
	boom := errors.New("boom")
	if _, err := s.Update(context.Background(), c.CaseID, domain.StatusPendingReview, func(next *domain.EmergencyCase) error {
		next.ExpertChannelRef = "half-written"
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected mutator error, got %v", err)
	}
	stored, _ := s.Get(context.Background(), c.CaseID)
	if stored.ExpertChannelRef != "" {
		t.Fatalf("aborted update leaked: %+v", stored)
	}
}

func TestNewCaseIDShape(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewCaseID()
		if len(id) != 8 {
			t.Fatalf("unexpected id length %q", id)
		}
		for _, r := range id {
			if !(r >= '0' && r <= '9' || r >= 'A' && r <= 'F') {
				t.Fatalf("unexpected id rune in %q", id)
			}
		}
		seen[id] = true
	}
	if len(seen) < 99 {
		t.Fatalf("ids are not unique enough: %d distinct", len(seen))
	}
}
