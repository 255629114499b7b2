package render

import (
	"strings"
	"testing"
	"time"

	"vetdesk/internal/config"
	"vetdesk/internal/domain"
)

func sampleCase() domain.EmergencyCase {
	responded := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return domain.EmergencyCase{
		CaseID:            "AB12CD34",
		Farmer:            domain.FarmerRef{ChannelUserID: "1001", DisplayName: "Joseph"},
		Category:          "Foot and Mouth Disease",
		Severity:          domain.SeverityCritical,
		Confidence:        "HIGH",
		Reasoning:         "Vesicles on tongue.",
		OriginalQuery:     "cow is drooling",
		Status:            domain.StatusResponseReady,
		ResponseText:      "Isolate the herd and call the district vet.",
		ResponderIdentity: "Dr. Amina",
		CreatedAt:         responded.Add(-time.Hour),
		RespondedAt:       &responded,
	}
}

func TestDefaultTemplatesRender(t *testing.T) {
	t.Parallel()

	r := MustDefault()
	c := sampleCase()

	post, err := r.ExpertPost(c)
	if err != nil {
		t.Fatalf("expert post: %v", err)
	}
	for _, want := range []string{"Case #AB12CD34", "Severity: CRITICAL", "Farmer: Joseph (ID: 1001)", "Vesicles on tongue.", "/respond AB12CD34"} {
		if !strings.Contains(post, want) {
			t.Fatalf("expert post missing %q:\n%s", want, post)
		}
	}

	notice, err := r.FarmerNotice(c, "  Keep animals apart. ")
	if err != nil {
		t.Fatalf("farmer notice: %v", err)
	}
	if !strings.Contains(notice, "#AB12CD34") || !strings.HasSuffix(notice, "Keep animals apart.") {
		t.Fatalf("unexpected farmer notice:\n%s", notice)
	}

	answer, err := r.FarmerAnswer(c)
	if err != nil {
		t.Fatalf("farmer answer: %v", err)
	}
	if !strings.Contains(answer, "Isolate the herd and call the district vet.") || !strings.Contains(answer, "Expert vet: Dr. Amina") {
		t.Fatalf("unexpected farmer answer:\n%s", answer)
	}

	ack, err := r.ExpertAcknowledgement(c)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if !strings.Contains(ack, "Dr. Amina") || !strings.Contains(ack, "Case #AB12CD34") {
		t.Fatalf("unexpected ack %q", ack)
	}
}

func TestListingTemplates(t *testing.T) {
	t.Parallel()

	r := MustDefault()
	empty, err := r.ActiveList(nil)
	if err != nil {
		t.Fatalf("active list: %v", err)
	}
	if empty != "No active emergency cases." {
		t.Fatalf("unexpected empty listing %q", empty)
	}

	listing, err := r.ActiveList([]domain.EmergencyCase{sampleCase()})
	if err != nil {
		t.Fatalf("active list: %v", err)
	}
	if !strings.Contains(listing, "#AB12CD34 Foot and Mouth Disease [CRITICAL] response_ready") {
		t.Fatalf("unexpected listing:\n%s", listing)
	}

	stats, err := r.StatsSummary(domain.CountStats([]domain.EmergencyCase{sampleCase(), {Status: domain.StatusCompleted}}))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(stats, "Total: 2") || !strings.Contains(stats, "Response ready: 1") || !strings.Contains(stats, "Completed: 1") {
		t.Fatalf("unexpected stats:\n%s", stats)
	}
}

func TestOverridesAndParseErrors(t *testing.T) {
	t.Parallel()

	r, err := New(config.TemplatesConfig{FarmerResponse: "{{ .Case.CaseID }}: {{ .Case.ResponseText }}"})
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}
	got, err := r.FarmerAnswer(sampleCase())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "AB12CD34: Isolate the herd and call the district vet." {
		t.Fatalf("unexpected override output %q", got)
	}

	if _, err := New(config.TemplatesConfig{ExpertCase: "{{ .Case.CaseID "}); err == nil || !strings.Contains(err.Error(), "templates.expert_case") {
		t.Fatalf("expected parse error naming template, got %v", err)
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	if got := FormatDuration(90 * time.Second); got != "1.5m" {
		t.Fatalf("unexpected duration %q", got)
	}
	if got := FormatDuration("x"); got != "0.0s" {
		t.Fatalf("unexpected fallback %q", got)
	}
}
