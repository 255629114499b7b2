package escalation

import (
	"context"
	"errors"
	"time"

	"vetdesk/internal/casestate"
	"vetdesk/internal/domain"
	"vetdesk/internal/failure"
	"vetdesk/internal/store"
)

// ScanReport summarizes one notifier pass.
type ScanReport struct {
	Ready     int
	Delivered int
	Completed int
	Failed    int
}

// Notifier delivers recorded expert responses to farmers.
// Delivery is at-least-once: a case is completed only after its send succeeded.
type Notifier struct {
	deps Deps
}

// NewNotifier creates notifier.
// Params: shared escalation dependencies; Store and Farmer are required.
// Returns: notifier.
func NewNotifier(deps Deps) *Notifier {
	return &Notifier{deps: deps.withDefaults()}
}

// Scan delivers every response_ready case once.
// Params: context.
// Returns: scan counters or store listing error.
func (n *Notifier) Scan(ctx context.Context) (ScanReport, error) {
	var ready []domain.EmergencyCase
	err := n.deps.withStoreRetry(ctx, "store.list", func(ctx context.Context) error {
		var listErr error
		ready, listErr = n.deps.Store.List(ctx, domain.StatusResponseReady)
		return listErr
	})
	if err != nil {
		return ScanReport{}, err
	}

	report := ScanReport{Ready: len(ready)}
	for _, c := range ready {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		switch n.deliver(ctx, c) {
		case deliveryCompleted:
			report.Delivered++
			report.Completed++
		case deliverySentOnly:
			report.Delivered++
		case deliveryFailed:
			report.Failed++
		}
	}
	if report.Ready > 0 {
		n.deps.Logger.Info("notifier scan finished", "ready", report.Ready, "delivered", report.Delivered, "completed", report.Completed, "failed", report.Failed)
	}
	return report, nil
}

type deliveryResult int

const (
	deliveryFailed deliveryResult = iota
	deliverySentOnly
	deliveryCompleted
)

func (n *Notifier) deliver(ctx context.Context, c domain.EmergencyCase) deliveryResult {
	logger := n.deps.Logger.With("case_id", c.CaseID)
	text, err := n.deps.Renderer.FarmerAnswer(c)
	if err != nil {
		logger.Error("farmer answer render failed", "error", err.Error())
		return deliveryFailed
	}
	if err := n.deps.Farmer.Send(ctx, c.Farmer, text); err != nil {
		logger.Warn("farmer delivery failed, will retry next scan", "farmer_id", c.Farmer.ChannelUserID, "error", asTransport("notifier.send", err).Error())
		return deliveryFailed
	}

	var completed domain.EmergencyCase
	err = n.deps.withStoreRetry(ctx, "store.update", func(ctx context.Context) error {
		var updateErr error
		completed, updateErr = store.Advance(ctx, n.deps.Store, c.CaseID, casestate.Delivered{At: n.deps.Clock.Now()})
		return updateErr
	})
	switch {
	case err == nil:
		logger.Info("farmer notified, case completed", "status", string(completed.Status))
		n.deps.publish(ctx, domain.CaseEventCompleted, completed)
		return deliveryCompleted
	case errors.Is(err, failure.StoreConflict):
		logger.Info("case already completed by another notifier")
		return deliverySentOnly
	default:
		logger.Error("case completion failed after delivery", "error", err.Error())
		return deliverySentOnly
	}
}

// Run scans after firstDelay and then every interval until ctx ends.
// Params: context, scan interval and first scan delay.
// Returns: nil when ctx ends.
func (n *Notifier) Run(ctx context.Context, interval, firstDelay time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if firstDelay < 0 {
		firstDelay = 0
	}
	timer := time.NewTimer(firstDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		if _, err := n.Scan(ctx); err != nil && ctx.Err() == nil {
			n.deps.Logger.Error("notifier scan failed", "error", err.Error())
		}
		timer.Reset(interval)
	}
}
