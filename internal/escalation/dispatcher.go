package escalation

import (
	"context"
	"errors"
	"fmt"

	"vetdesk/internal/casestate"
	"vetdesk/internal/domain"
	"vetdesk/internal/failure"
	"vetdesk/internal/store"
	"vetdesk/internal/transport"
)

// maxIDAttempts bounds case id regeneration after id collisions.
const maxIDAttempts = 3

// Dispatcher turns a detected emergency into a case posted to the expert group.
type Dispatcher struct {
	deps  Deps
	newID func() string
}

// NewDispatcher creates dispatcher.
// Params: shared escalation dependencies; Store and Expert are required.
// Returns: dispatcher.
func NewDispatcher(deps Deps) *Dispatcher {
	return &Dispatcher{deps: deps.withDefaults(), newID: store.NewCaseID}
}

// Escalate creates a case, posts it to experts and records the post.
// Params: farmer binding and extracted emergency payload.
// Returns: case in awaiting_response; on post failure the pending case with TransportError;
// on create failure an empty case and the store error.
func (d *Dispatcher) Escalate(ctx context.Context, farmer domain.FarmerRef, payload domain.EmergencyPayload) (domain.EmergencyCase, error) {
	created, err := d.create(ctx, farmer, payload)
	if err != nil {
		d.deps.Logger.Error("case create failed", "farmer_id", farmer.ChannelUserID, "category", payload.Category, "error", err.Error())
		return domain.EmergencyCase{}, err
	}
	logger := d.deps.Logger.With("case_id", created.CaseID)

	text, err := d.deps.Renderer.ExpertPost(created)
	if err != nil {
		logger.Error("expert post render failed", "error", err.Error())
		return created, failure.New(failure.KindTransport, "escalation.post", fmt.Errorf("render expert post: %w", err))
	}
	ref, err := d.deps.Expert.Post(ctx, transport.ExpertPost{CaseID: created.CaseID, Text: text, MediaRef: created.MediaRef})
	if err != nil {
		logger.Error("expert post failed, case left pending", "status", string(created.Status), "error", err.Error())
		return created, asTransport("escalation.post", err)
	}

	posted, err := d.recordPost(ctx, created.CaseID, ref)
	if err != nil {
		logger.Error("expert post record failed", "ref", ref, "error", err.Error())
		return created, err
	}
	logger.Info("case escalated", "status", string(posted.Status), "category", posted.Category, "severity", string(posted.Severity), "ref", ref)
	d.deps.publish(ctx, domain.CaseEventEscalated, posted)
	return posted, nil
}

// create opens and stores a new case, regenerating the id on collision.
func (d *Dispatcher) create(ctx context.Context, farmer domain.FarmerRef, payload domain.EmergencyPayload) (domain.EmergencyCase, error) {
	now := d.deps.Clock.Now()
	for attempt := 1; ; attempt++ {
		opened, err := casestate.Open(d.newID(), farmer, payload, now)
		if err != nil {
			return domain.EmergencyCase{}, err
		}
		err = d.deps.withStoreRetry(ctx, "store.create", func(ctx context.Context) error {
			_, createErr := d.deps.Store.Create(ctx, opened)
			return createErr
		})
		if err == nil {
			return opened, nil
		}
		if errors.Is(err, failure.StoreConflict) && attempt < maxIDAttempts {
			d.deps.Logger.Warn("case id collision, regenerating", "case_id", opened.CaseID, "attempt", attempt)
			continue
		}
		return domain.EmergencyCase{}, err
	}
}

// recordPost moves the case to awaiting_response with the already obtained ref.
// The post is never repeated; a conflict whose stored ref matches counts as success.
func (d *Dispatcher) recordPost(ctx context.Context, caseID, ref string) (domain.EmergencyCase, error) {
	var out domain.EmergencyCase
	err := d.deps.withStoreRetry(ctx, "store.update", func(ctx context.Context) error {
		updated, err := store.Advance(ctx, d.deps.Store, caseID, casestate.Posted{Ref: ref, At: d.deps.Clock.Now()})
		if err == nil {
			out = updated
			return nil
		}
		if errors.Is(err, failure.StoreConflict) {
			current, getErr := d.deps.Store.Get(ctx, caseID)
			if getErr == nil && current.ExpertChannelRef == ref {
				out = current
				return nil
			}
		}
		return err
	})
	return out, err
}
