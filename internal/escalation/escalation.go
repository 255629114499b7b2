package escalation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"vetdesk/internal/clock"
	"vetdesk/internal/domain"
	"vetdesk/internal/events"
	"vetdesk/internal/failure"
	"vetdesk/internal/logging"
	"vetdesk/internal/render"
	"vetdesk/internal/retry"
	"vetdesk/internal/store"
	"vetdesk/internal/transport"
)

// FloorStoreRetry replaces a disabled store retry policy. A posted case must still
// reach awaiting_response when the store drops one write.
var FloorStoreRetry = retry.Policy{
	Enabled:     true,
	Backoff:     "exponential",
	Initial:     50 * time.Millisecond,
	Max:         time.Second,
	MaxAttempts: 5,
}

// Deps are the collaborators shared by escalation components.
// Params: store, channels, renderer, event publisher, clock, store retry policy and logger.
// Returns: wiring for Dispatcher, Correlator, Notifier, Desk and Pipeline.
type Deps struct {
	Store      store.Store
	Expert     transport.ExpertChannel
	Farmer     transport.FarmerChannel
	Renderer   *render.Renderer
	Events     events.Publisher
	Clock      clock.Clock
	StoreRetry retry.Policy
	Logger     *slog.Logger
}

// withDefaults fills optional collaborators.
func (d Deps) withDefaults() Deps {
	if !d.StoreRetry.Enabled {
		d.StoreRetry = FloorStoreRetry
	}
	if d.Renderer == nil {
		d.Renderer = render.MustDefault()
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	d.Clock = clock.OrReal(d.Clock)
	d.Logger = logging.OrNop(d.Logger)
	return d
}

// withStoreRetry runs one store call under the store retry policy.
func (d Deps) withStoreRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	return retry.Do(ctx, d.StoreRetry, d.Logger, op, nil, fn)
}

// publish emits lifecycle event; failures are logged only.
func (d Deps) publish(ctx context.Context, eventType domain.CaseEventType, c domain.EmergencyCase) {
	if err := d.Events.Publish(ctx, domain.NewCaseEvent(eventType, c, d.Clock.Now())); err != nil {
		d.Logger.Warn("case event publish failed", "case_id", c.CaseID, "event", string(eventType), "error", err.Error())
	}
}

// asTransport keeps classified errors and tags the rest as TransportError.
func asTransport(op string, err error) error {
	if err == nil || failure.KindOf(err) != "" || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return failure.New(failure.KindTransport, op, err)
}
