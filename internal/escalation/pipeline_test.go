package escalation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"vetdesk/internal/domain"
	"vetdesk/internal/failure"
)

const anthraxOutput = `This is very serious.
[EMERGENCY_VET_REVIEW_REQUIRED]
DISEASE: Anthrax
SEVERITY: critical
CONFIDENCE: medium
REASONING: Sudden death with bleeding from orifices.
[END_EMERGENCY]
Do not open the carcass. Keep people and animals away.`

func advisory(output string) domain.Advisory {
	return domain.Advisory{Farmer: farmerAbu, Query: "cow died suddenly", MediaRef: "photo-9", AgentOutput: output}
}

func TestPipelineWithoutMarkerPassesTextThrough(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	reply := NewPipeline(h.deps, NewDispatcher(h.deps)).HandleAdvisory(context.Background(), advisory("Provide shade and water."))
	if reply.Escalated || reply.CaseID != "" || reply.Text != "Provide shade and water." || reply.DetectionError != "" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestPipelineMalformedMarkerCreatesNoCase(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	output := "Check the goat.\n[EMERGENCY_VET_REVIEW_REQUIRED]\nSEVERITY: high\n[END_EMERGENCY]"
	reply := NewPipeline(h.deps, NewDispatcher(h.deps)).HandleAdvisory(context.Background(), advisory(output))
	if reply.Escalated || reply.DetectionError == "" {
		t.Fatalf("expected detection error reply, got %+v", reply)
	}
	if reply.Text != "Check the goat." {
		t.Fatalf("expected stripped fallback text, got %q", reply.Text)
	}
	cases, err := h.store.List(context.Background())
	if err != nil || len(cases) != 0 {
		t.Fatalf("no case may be created: %v %v", cases, err)
	}
	if len(h.loop.Posts()) != 0 {
		t.Fatalf("nothing may be posted")
	}
}

func TestPipelineEscalatesEmergency(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	reply, err := NewPipeline(h.deps, NewDispatcher(h.deps)).HandleAndDeliver(context.Background(), advisory(anthraxOutput))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !reply.Escalated || reply.CaseID == "" {
		t.Fatalf("expected escalation, got %+v", reply)
	}
	if !strings.Contains(reply.Text, "#"+reply.CaseID) || !strings.Contains(reply.Text, "Do not open the carcass.") {
		t.Fatalf("unexpected notice %q", reply.Text)
	}
	if strings.Contains(reply.Text, "EMERGENCY_VET_REVIEW_REQUIRED") {
		t.Fatalf("marker leaked to farmer: %q", reply.Text)
	}

	stored := h.get(t, reply.CaseID)
	if stored.Category != "Anthrax" || stored.Status != domain.StatusAwaitingResponse || stored.MediaRef != "photo-9" || stored.OriginalQuery != "cow died suddenly" {
		t.Fatalf("unexpected case %+v", stored)
	}
	posts := h.loop.Posts()
	if len(posts) != 1 || posts[0].MediaRef != "photo-9" {
		t.Fatalf("unexpected posts %+v", posts)
	}
	deliveries := h.loop.Deliveries()
	if len(deliveries) != 1 || deliveries[0].Text != reply.Text {
		t.Fatalf("notice not delivered: %+v", deliveries)
	}
}

func TestPipelineFallsBackWhenPostFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.loop.FailPosts(errors.New("down"))
	reply := NewPipeline(h.deps, NewDispatcher(h.deps)).HandleAdvisory(context.Background(), advisory(anthraxOutput))
	if reply.Escalated {
		t.Fatalf("failed post must not be reported as escalated")
	}
	if reply.CaseID == "" || !strings.Contains(reply.Text, "This is very serious.") {
		t.Fatalf("unexpected fallback %+v", reply)
	}
}

func TestPipelineDeliveryFailureIsTransportError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.loop.FailNextSends(errors.New("farmer offline"))
	_, err := NewPipeline(h.deps, NewDispatcher(h.deps)).HandleAndDeliver(context.Background(), advisory("Rest the animal."))
	if !errors.Is(err, failure.Transport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}
