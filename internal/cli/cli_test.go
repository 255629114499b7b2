package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"vetdesk/internal/config"
	"vetdesk/internal/domain"
	"vetdesk/internal/escalation"
	"vetdesk/internal/store"
	"vetdesk/internal/transport"
)

type deskFixture struct {
	desk   *escalation.Desk
	deps   escalation.Deps
	closed int
	source config.ConfigSource
}

func newDeskFixture(t *testing.T) *deskFixture {
	t.Helper()
	loop := transport.NewLoopback("grp")
	deps := escalation.Deps{Store: store.NewMemoryStore(), Expert: loop, Farmer: loop}
	return &deskFixture{desk: escalation.NewDesk(deps), deps: deps}
}

func (f *deskFixture) escalate(t *testing.T, category string) domain.EmergencyCase {
	t.Helper()
	c, err := escalation.NewDispatcher(f.deps).Escalate(context.Background(),
		domain.FarmerRef{ChannelUserID: "88", SessionID: "s-88", DisplayName: "Chinedu"},
		domain.EmergencyPayload{Category: category, Severity: domain.SeverityHigh, OriginalQuery: "goat not eating"})
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	return c
}

func (f *deskFixture) runtime() Runtime {
	return Runtime{
		Serve: func(context.Context, config.ConfigSource) error { return errors.New("not used") },
		OpenDesk: func(source config.ConfigSource) (CaseDesk, func() error, error) {
			f.source = source
			return f.desk, func() error { f.closed++; return nil }, nil
		},
	}
}

func run(t *testing.T, rt Runtime, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd(rt)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCasesListAndShow(t *testing.T) {
	t.Parallel()

	f := newDeskFixture(t)
	ppr := f.escalate(t, "Peste des petits ruminants")

	out, err := run(t, f.runtime(), "cases", "list", "--config-file", "vetdesk.toml")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, ppr.CaseID) || !strings.Contains(out, "Chinedu") || !strings.Contains(out, "HIGH") {
		t.Fatalf("unexpected list output:\n%s", out)
	}
	if f.source.File != "vetdesk.toml" || f.closed != 1 {
		t.Fatalf("desk not opened/closed from config source: %+v closed=%d", f.source, f.closed)
	}

	out, err = run(t, f.runtime(), "cases", "list", "--config-file", "x.toml", "--status", "completed")
	if err != nil || !strings.Contains(out, "No cases found") {
		t.Fatalf("filtered list: %v\n%s", err, out)
	}

	out, err = run(t, f.runtime(), "cases", "show", "--config-file", "x.toml", strings.ToLower(ppr.CaseID), "--json")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	var shown domain.EmergencyCase
	if err := json.Unmarshal([]byte(out), &shown); err != nil || shown.CaseID != ppr.CaseID {
		t.Fatalf("unexpected show output %q (%v)", out, err)
	}
}

func TestCasesRespondAndStats(t *testing.T) {
	t.Parallel()

	f := newDeskFixture(t)
	c := f.escalate(t, "Bloat")

	if _, err := run(t, f.runtime(), "cases", "respond", "--config-file", "x.toml", c.CaseID, "walk", "the", "goat"); err == nil {
		t.Fatalf("expected error without --responder")
	}
	out, err := run(t, f.runtime(), "cases", "respond", "--config-file", "x.toml", "--responder", "Dr. Eze", c.CaseID, "Walk the goat", "and give vegetable oil.")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if !strings.Contains(out, "response_ready") {
		t.Fatalf("unexpected respond output %q", out)
	}
	stored, err := f.desk.Get(context.Background(), c.CaseID)
	if err != nil || stored.ResponseText != "Walk the goat and give vegetable oil." {
		t.Fatalf("unexpected stored response %+v %v", stored, err)
	}

	if _, err := run(t, f.runtime(), "cases", "respond", "--config-file", "x.toml", "--responder", "Dr. Late", c.CaseID, "other"); err == nil {
		t.Fatalf("second response must fail")
	}

	out, err = run(t, f.runtime(), "cases", "stats", "--config-file", "x.toml")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, "Total:  1") || !strings.Contains(out, "Active: 1") {
		t.Fatalf("unexpected stats output:\n%s", out)
	}
}

func TestCommandsRequireConfigSourceAndValidStatus(t *testing.T) {
	t.Parallel()

	f := newDeskFixture(t)
	if _, err := run(t, f.runtime(), "cases", "list"); err == nil {
		t.Fatalf("expected config source error")
	}
	if _, err := run(t, f.runtime(), "cases", "list", "--config-file", "x.toml", "--status", "closed"); err == nil {
		t.Fatalf("expected invalid status error")
	}
	if f.closed != 0 {
		t.Fatalf("desk must not be opened on argument errors")
	}
}

func TestServePassesConfigSource(t *testing.T) {
	t.Parallel()

	var got config.ConfigSource
	rt := Runtime{Serve: func(_ context.Context, source config.ConfigSource) error {
		got = source
		return nil
	}}
	if _, err := run(t, rt, "serve", "--config-dir", "/etc/vetdesk"); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if got.Dir != "/etc/vetdesk" {
		t.Fatalf("unexpected source %+v", got)
	}
}
