package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vetdesk/internal/casestate"
	"vetdesk/internal/domain"
	"vetdesk/internal/failure"
)

var suiteStart = time.Date(2026, 4, 2, 7, 30, 0, 0, time.UTC)

func newPendingCase(t *testing.T, offset time.Duration) domain.EmergencyCase {
	t.Helper()
	c, err := casestate.Open(NewCaseID(), domain.FarmerRef{ChannelUserID: "2002", SessionID: "sess"}, domain.EmergencyPayload{
		Category:      "Anthrax",
		Severity:      domain.SeverityCritical,
		OriginalQuery: "sudden death in cattle",
	}, suiteStart.Add(offset))
	if err != nil {
		t.Fatalf("open case: %v", err)
	}
	return c
}

func mustCreate(t *testing.T, s Store, c domain.EmergencyCase) domain.EmergencyCase {
	t.Helper()
	if _, err := s.Create(context.Background(), c); err != nil {
		t.Fatalf("create %s: %v", c.CaseID, err)
	}
	return c
}

func mustAdvance(t *testing.T, s Store, caseID string, ev casestate.Event) domain.EmergencyCase {
	t.Helper()
	c, err := Advance(context.Background(), s, caseID, ev)
	if err != nil {
		t.Fatalf("advance %s %s: %v", caseID, ev.Name(), err)
	}
	return c
}

// runStoreSuite checks behavior every backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create get and duplicate id", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := mustCreate(t, s, newPendingCase(t, 0))

		got, err := s.Get(ctx, c.CaseID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Category != "Anthrax" || got.Status != domain.StatusPendingReview || !got.CreatedAt.Equal(c.CreatedAt) {
			t.Fatalf("unexpected case %+v", got)
		}
		if _, err := s.Create(ctx, c); !errors.Is(err, ErrConflict) || !errors.Is(err, failure.StoreConflict) {
			t.Fatalf("expected duplicate id conflict, got %v", err)
		}
		if _, err := s.Get(ctx, "NOPE0000"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("forward lifecycle and reverse lookup", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := mustCreate(t, s, newPendingCase(t, 0))
		ref := "-100777:" + c.CaseID

		mustAdvance(t, s, c.CaseID, casestate.Posted{Ref: ref, At: suiteStart.Add(time.Second)})
		found, err := s.FindByExpertRef(ctx, ref)
		if err != nil {
			t.Fatalf("find by ref: %v", err)
		}
		if found.CaseID != c.CaseID || found.Status != domain.StatusAwaitingResponse {
			t.Fatalf("unexpected lookup result %+v", found)
		}
		if _, err := s.FindByExpertRef(ctx, "-100777:unknown"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected unknown ref not found, got %v", err)
		}

		ready := mustAdvance(t, s, c.CaseID, casestate.Responded{Text: "Vaccinate the rest", Responder: "Dr. Okafor", At: suiteStart.Add(time.Minute)})
		if ready.ResponseText != "Vaccinate the rest" {
			t.Fatalf("unexpected response %q", ready.ResponseText)
		}
		done := mustAdvance(t, s, c.CaseID, casestate.Delivered{At: suiteStart.Add(2 * time.Minute)})
		if done.Status != domain.StatusCompleted || done.CompletedAt == nil {
			t.Fatalf("unexpected completed case %+v", done)
		}

		stored, err := s.Get(ctx, c.CaseID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if stored.Status != domain.StatusCompleted || stored.ExpertChannelRef != ref || stored.ResponderIdentity != "Dr. Okafor" {
			t.Fatalf("unexpected stored case %+v", stored)
		}
	})

	t.Run("rejects wrong expected status and skips", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := mustCreate(t, s, newPendingCase(t, 0))

		if _, err := Advance(ctx, s, c.CaseID, casestate.Delivered{}); !errors.Is(err, failure.StoreConflict) {
			t.Fatalf("expected conflict for wrong source status, got %v", err)
		}
		_, err := s.Update(ctx, c.CaseID, domain.StatusPendingReview, func(next *domain.EmergencyCase) error {
			next.Status = domain.StatusResponseReady
			next.ExpertChannelRef = "x"
			next.ResponseText = "y"
			return nil
		})
		if !errors.Is(err, failure.InvalidTransition) {
			t.Fatalf("expected skip to be rejected, got %v", err)
		}
		stored, _ := s.Get(ctx, c.CaseID)
		if stored.Status != domain.StatusPendingReview || stored.ExpertChannelRef != "" {
			t.Fatalf("rejected update must not be persisted: %+v", stored)
		}
	})

	t.Run("concurrent responses have one winner", func(t *testing.T) {
		s := newStore(t)
		c := mustCreate(t, s, newPendingCase(t, 0))
		mustAdvance(t, s, c.CaseID, casestate.Posted{Ref: "race:" + c.CaseID})

		const writers = 2
		var (
			wg      sync.WaitGroup
			start   = make(chan struct{})
			results = make([]error, writers)
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, results[i] = Advance(context.Background(), s, c.CaseID, casestate.Responded{Text: []string{"first", "second"}[i]})
			}(i)
		}
		close(start)
		wg.Wait()

		wins, conflicts := 0, 0
		for _, err := range results {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, failure.StoreConflict):
				conflicts++
			default:
				t.Fatalf("unexpected error %v", err)
			}
		}
		if wins != 1 || conflicts != 1 {
			t.Fatalf("expected one success and one conflict, got wins=%d conflicts=%d", wins, conflicts)
		}
		stored, _ := s.Get(context.Background(), c.CaseID)
		if stored.Status != domain.StatusResponseReady {
			t.Fatalf("unexpected status %q", stored.Status)
		}
	})

	t.Run("expert ref is unique", func(t *testing.T) {
		s := newStore(t)
		a := mustCreate(t, s, newPendingCase(t, 0))
		b := mustCreate(t, s, newPendingCase(t, time.Second))
		ref := "shared:" + a.CaseID
		mustAdvance(t, s, a.CaseID, casestate.Posted{Ref: ref})
		if _, err := Advance(context.Background(), s, b.CaseID, casestate.Posted{Ref: ref}); !errors.Is(err, failure.StoreConflict) {
			t.Fatalf("expected ref reuse conflict, got %v", err)
		}
	})

	t.Run("list filters by status in creation order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		first := mustCreate(t, s, newPendingCase(t, 0))
		second := mustCreate(t, s, newPendingCase(t, time.Minute))
		third := mustCreate(t, s, newPendingCase(t, 2*time.Minute))
		mustAdvance(t, s, second.CaseID, casestate.Posted{Ref: "list:" + second.CaseID})
		mustAdvance(t, s, third.CaseID, casestate.Posted{Ref: "list:" + third.CaseID})

		ours := map[string]bool{first.CaseID: true, second.CaseID: true, third.CaseID: true}
		pick := func(cases []domain.EmergencyCase) []string {
			ids := make([]string, 0, len(cases))
			for _, c := range cases {
				if ours[c.CaseID] {
					ids = append(ids, c.CaseID)
				}
			}
			return ids
		}

		all, err := s.List(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if got := pick(all); len(got) != 3 || got[0] != first.CaseID || got[2] != third.CaseID {
			t.Fatalf("unexpected order %v", got)
		}
		awaiting, err := s.List(ctx, domain.StatusAwaitingResponse)
		if err != nil {
			t.Fatalf("list awaiting: %v", err)
		}
		if got := pick(awaiting); len(got) != 2 || got[0] != second.CaseID {
			t.Fatalf("unexpected awaiting cases %v", got)
		}
		mixed, err := s.List(ctx, domain.StatusPendingReview, domain.StatusAwaitingResponse)
		if err != nil {
			t.Fatalf("list mixed: %v", err)
		}
		if got := pick(mixed); len(got) != 3 {
			t.Fatalf("unexpected mixed cases %v", got)
		}
	})
}
