package app

import (
	"vetdesk/internal/clock"
	"vetdesk/internal/config"
	"vetdesk/internal/escalation"
)

// Operator is a one-shot handle on the case desk for CLI commands.
// It shares the service store and expert channel but runs no loops or consumers.
type Operator struct {
	service *Service
}

// OpenOperator builds desk dependencies from config source.
// Params: config source and clock implementation.
// Returns: operator handle; callers must Close it.
func OpenOperator(source config.ConfigSource, clk clock.Clock) (*Operator, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}
	cfg.Ingest.NATS.Enabled = false
	service, err := newService(cfg, clk, components{})
	if err != nil {
		return nil, err
	}
	return &Operator{service: service}, nil
}

// Desk returns the operator case desk.
func (o *Operator) Desk() *escalation.Desk {
	return o.service.desk
}

// Backend returns configured store backend name.
func (o *Operator) Backend() string {
	return o.service.cfg.Store.Backend
}

// Close releases store and event resources.
func (o *Operator) Close() error {
	return o.service.shutdown()
}
