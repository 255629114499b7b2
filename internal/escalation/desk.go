package escalation

import (
	"context"

	"vetdesk/internal/domain"
)

var activeStatuses = []domain.Status{
	domain.StatusPendingReview,
	domain.StatusAwaitingResponse,
	domain.StatusResponseReady,
}

// Desk is the operator view over cases.
type Desk struct {
	deps       Deps
	correlator *Correlator
}

// NewDesk creates operator desk.
// Params: shared escalation dependencies.
// Returns: desk backed by store and correlator.
func NewDesk(deps Deps) *Desk {
	deps = deps.withDefaults()
	return &Desk{deps: deps, correlator: NewCorrelator(deps)}
}

// List returns cases filtered by status; no filter returns all.
func (d *Desk) List(ctx context.Context, statuses ...domain.Status) ([]domain.EmergencyCase, error) {
	return d.deps.Store.List(ctx, statuses...)
}

// ListActive returns cases that are not completed.
func (d *Desk) ListActive(ctx context.Context) ([]domain.EmergencyCase, error) {
	return d.deps.Store.List(ctx, activeStatuses...)
}

// Get returns one case.
func (d *Desk) Get(ctx context.Context, caseID string) (domain.EmergencyCase, error) {
	return d.deps.Store.Get(ctx, normalizeCaseID(caseID))
}

// Stats counts cases by status.
func (d *Desk) Stats(ctx context.Context) (domain.Stats, error) {
	cases, err := d.deps.Store.List(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	return domain.CountStats(cases), nil
}

// SubmitResponse records an operator-entered expert response.
// Params: case id, responder name and advice text.
// Returns: case in response_ready or CorrelationError.
func (d *Desk) SubmitResponse(ctx context.Context, caseID, responder, text string) (domain.EmergencyCase, error) {
	return d.correlator.Submit(ctx, caseID, responder, text)
}
