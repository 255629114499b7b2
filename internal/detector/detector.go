package detector

import (
	"bufio"
	"regexp"
	"strings"

	"vetdesk/internal/domain"
	"vetdesk/internal/failure"
)

const (
	// StartMarker opens an emergency block in advisory output.
	StartMarker = "[EMERGENCY_VET_REVIEW_REQUIRED]"
	// EndMarker closes an emergency block.
	EndMarker = "[END_EMERGENCY]"
)

var blockPattern = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(StartMarker) + `(.*?)` + regexp.QuoteMeta(EndMarker))

// Result is emergency detection outcome.
// Params: found flag, extracted payload and advisory text with marker removed.
// Returns: input for escalation or fallback display.
type Result struct {
	Found    bool
	Payload  domain.EmergencyPayload
	Stripped string
}

// Detect inspects advisory output for an emergency marker.
// Params: advisory with agent output, farmer query and media reference.
// Returns: emergency payload when well-formed; NoEmergency with detection error when
// the marker is present but malformed; NoEmergency with nil error otherwise.
func Detect(advisory domain.Advisory) (Result, error) {
	const op = "detector.detect"
	text := advisory.AgentOutput
	stripped := Strip(text)

	start := strings.Index(text, StartMarker)
	if start < 0 {
		return Result{Stripped: stripped}, nil
	}
	match := blockPattern.FindStringSubmatchIndex(text)
	if match == nil {
		return Result{Stripped: stripped}, failure.Errorf(failure.KindDetection, op, "emergency marker is not terminated")
	}

	fields := parseFields(text[match[2]:match[3]])
	category := fields["DISEASE"]
	if category == "" {
		category = fields["CATEGORY"]
	}
	if category == "" {
		return Result{Stripped: stripped}, failure.Errorf(failure.KindDetection, op, "emergency marker has no category")
	}

	instructions := strings.TrimSpace(text[match[1]:])
	if instructions == "" {
		instructions = strings.TrimSpace(text[:match[0]])
	}

	return Result{
		Found: true,
		Payload: domain.EmergencyPayload{
			Category:                 category,
			Severity:                 domain.NormalizeSeverity(fields["SEVERITY"]),
			Confidence:               strings.ToUpper(fields["CONFIDENCE"]),
			Reasoning:                fields["REASONING"],
			OriginalQuery:            advisory.Query,
			MediaRef:                 advisory.MediaRef,
			FarmerFacingInstructions: instructions,
		},
		Stripped: stripped,
	}, nil
}

// Strip removes emergency marker blocks from advisory text.
// Params: raw advisory output.
// Returns: text safe to show a farmer; an unterminated block is cut to end of text.
func Strip(text string) string {
	cleaned := blockPattern.ReplaceAllString(text, "")
	if idx := strings.Index(cleaned, StartMarker); idx >= 0 {
		cleaned = cleaned[:idx]
	}
	cleaned = strings.ReplaceAll(cleaned, EndMarker, "")
	return strings.TrimSpace(cleaned)
}

// parseFields reads "KEY: value" lines; unkeyed lines continue the previous field.
func parseFields(block string) map[string]string {
	fields := make(map[string]string)
	last := ""
	scanner := bufio.NewScanner(strings.NewReader(block))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		key = strings.ToUpper(strings.TrimSpace(key))
		if ok && isKnownField(key) {
			fields[key] = strings.TrimSpace(value)
			last = key
			continue
		}
		if last != "" {
			fields[last] = strings.TrimSpace(fields[last] + " " + line)
		}
	}
	return fields
}

func isKnownField(key string) bool {
	switch key {
	case "DISEASE", "CATEGORY", "SEVERITY", "CONFIDENCE", "REASONING":
		return true
	default:
		return false
	}
}
