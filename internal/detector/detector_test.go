package detector

import (
	"errors"
	"strings"
	"testing"

	"vetdesk/internal/domain"
	"vetdesk/internal/failure"
)

const fmdOutput = `Your cattle show signs that need urgent attention.
[EMERGENCY_VET_REVIEW_REQUIRED]
DISEASE: Foot and Mouth Disease
SEVERITY: CRITICAL
CONFIDENCE: high
REASONING: Vesicles on tongue and feet,
drooling and lameness in several animals.
[END_EMERGENCY]
Isolate affected animals immediately and do not move livestock.`

func TestDetectWellFormedMarker(t *testing.T) {
	t.Parallel()

	result, err := Detect(domain.Advisory{
		Farmer:      domain.FarmerRef{ChannelUserID: "1"},
		Query:       "cow drooling",
		MediaRef:    "photo-1",
		AgentOutput: fmdOutput,
	})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !result.Found {
		t.Fatalf("expected emergency")
	}
	p := result.Payload
	if p.Category != "Foot and Mouth Disease" || p.Severity != domain.SeverityCritical || p.Confidence != "HIGH" {
		t.Fatalf("unexpected payload %+v", p)
	}
	if !strings.Contains(p.Reasoning, "drooling and lameness") {
		t.Fatalf("expected continuation line in reasoning, got %q", p.Reasoning)
	}
	if p.FarmerFacingInstructions != "Isolate affected animals immediately and do not move livestock." {
		t.Fatalf("unexpected instructions %q", p.FarmerFacingInstructions)
	}
	if p.OriginalQuery != "cow drooling" || p.MediaRef != "photo-1" {
		t.Fatalf("advisory context not carried: %+v", p)
	}
	if strings.Contains(result.Stripped, "EMERGENCY") {
		t.Fatalf("stripped text still has marker: %q", result.Stripped)
	}
}

func TestDetectNoMarker(t *testing.T) {
	t.Parallel()

	result, err := Detect(domain.Advisory{AgentOutput: "Give the goat clean water."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Found {
		t.Fatalf("unexpected emergency")
	}
	if result.Stripped != "Give the goat clean water." {
		t.Fatalf("unexpected stripped text %q", result.Stripped)
	}
}

func TestDetectMalformedMarkerFailsClosed(t *testing.T) {
	t.Parallel()

	inputs := map[string]string{
		"unterminated":     "Advice.\n[EMERGENCY_VET_REVIEW_REQUIRED]\nDISEASE: Anthrax\nSEVERITY: critical",
		"missing category": "[EMERGENCY_VET_REVIEW_REQUIRED]\nSEVERITY: critical\n[END_EMERGENCY]\nCall a vet.",
		"empty block":      "[EMERGENCY_VET_REVIEW_REQUIRED][END_EMERGENCY]",
	}
	for name, input := range inputs {
		result, err := Detect(domain.Advisory{AgentOutput: input})
		if !errors.Is(err, failure.Detection) {
			t.Fatalf("%s: expected detection error, got %v", name, err)
		}
		if result.Found {
			t.Fatalf("%s: malformed marker must not be reported as emergency", name)
		}
		if strings.Contains(result.Stripped, StartMarker) {
			t.Fatalf("%s: stripped text leaks marker: %q", name, result.Stripped)
		}
	}
}

func TestDetectDefaultsAndAliases(t *testing.T) {
	t.Parallel()

	result, err := Detect(domain.Advisory{AgentOutput: "[EMERGENCY_VET_REVIEW_REQUIRED]\ncategory: Newcastle disease\n[END_EMERGENCY]"})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if result.Payload.Category != "Newcastle disease" {
		t.Fatalf("unexpected category %q", result.Payload.Category)
	}
	if result.Payload.Severity != domain.SeverityHigh {
		t.Fatalf("severity must default to high, got %q", result.Payload.Severity)
	}
	if result.Payload.FarmerFacingInstructions != "" {
		t.Fatalf("unexpected instructions %q", result.Payload.FarmerFacingInstructions)
	}
}

func TestStripUnterminatedBlock(t *testing.T) {
	t.Parallel()

	got := Strip("Keep calm.\n[EMERGENCY_VET_REVIEW_REQUIRED]\nDISEASE: x")
	if got != "Keep calm." {
		t.Fatalf("unexpected stripped text %q", got)
	}
}
