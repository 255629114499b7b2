package render

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"vetdesk/internal/config"
	"vetdesk/internal/domain"
)

// Template names.
const (
	ExpertCase      = "expert_case"
	ExpertAck       = "expert_ack"
	ExpertActive    = "expert_active"
	ExpertStats     = "expert_stats"
	ExpertHelp      = "expert_help"
	FarmerEscalated = "farmer_escalated"
	FarmerResponse  = "farmer_response"
)

const defaultExpertCase = `🚨 LIVESTOCK EMERGENCY CASE

Case #{{ .Case.CaseID }}

Category: {{ .Case.Category }}
Severity: {{ upper .Case.Severity }}{{ if .Case.Confidence }}
Confidence: {{ .Case.Confidence }}{{ end }}

Farmer: {{ .Case.Farmer.Label }} (ID: {{ .Case.Farmer.ChannelUserID }})
Query: {{ .Case.OriginalQuery }}{{ if .Case.Reasoning }}

AI analysis:
{{ .Case.Reasoning }}{{ end }}

---
Reply to this message with your diagnosis and treatment advice,
or send /respond {{ .Case.CaseID }} <advice>.
The farmer receives your guidance automatically.`

const defaultExpertAck = `✅ Thank you {{ .Case.ResponderIdentity }}! Response for Case #{{ .Case.CaseID }} recorded. The farmer will be notified shortly.`

const defaultExpertActive = `{{ if not .Cases }}No active emergency cases.{{ else }}📋 Active cases ({{ len .Cases }}):
{{ range .Cases }}
#{{ .CaseID }} {{ .Category }} [{{ upper .Severity }}] {{ .Status }} {{ fmtDuration (age .) }} ago{{ end }}{{ end }}`

const defaultExpertStats = `📊 Case statistics
Total: {{ .Stats.Total }}
Active: {{ .Stats.Active }}
Pending review: {{ count .Stats "pending_review" }}
Awaiting response: {{ count .Stats "awaiting_response" }}
Response ready: {{ count .Stats "response_ready" }}
Completed: {{ count .Stats "completed" }}`

const defaultExpertHelp = `🩺 Livestock Emergency Vet Desk

Critical livestock cases that need expert review are posted here.

To answer a case:
1. Reply to the case message with your diagnosis and advice
2. Or send /respond <case_id> <advice>

Commands:
/start, /help - show this message
/active - list open cases
/stats - case statistics`

const defaultFarmerEscalated = `🚨 URGENT: Serious condition detected

Case ID: #{{ .Case.CaseID }}
Suspected condition: {{ .Case.Category }}

Your case has been escalated to our expert veterinary team for review. You will receive their guidance here.{{ if .Instructions }}

{{ .Instructions }}{{ end }}`

const defaultFarmerResponse = `✅ Expert veterinary guidance received

Case ID: #{{ .Case.CaseID }}
Condition: {{ .Case.Category }}{{ if .Case.ResponderIdentity }}
Expert vet: {{ .Case.ResponderIdentity }}{{ end }}

Diagnosis and treatment plan:
{{ .Case.ResponseText }}

---
This advice was provided by a licensed veterinarian. Follow the instructions carefully and contact your local vet if you have questions.`

// Data is the value passed to every template.
type Data struct {
	Case         domain.EmergencyCase
	Cases        []domain.EmergencyCase
	Stats        domain.Stats
	Instructions string
	Now          time.Time
}

// Renderer renders case messages from compiled templates.
// Params: compiled template set keyed by name.
// Returns: message renderer for dispatcher, correlator and notifier.
type Renderer struct {
	templates map[string]*template.Template
}

// New compiles built-in templates with optional overrides.
// Params: template overrides from config; empty fields keep built-ins.
// Returns: renderer or parse error naming the template.
func New(overrides config.TemplatesConfig) (*Renderer, error) {
	bodies := map[string]string{
		ExpertCase:      pick(overrides.ExpertCase, defaultExpertCase),
		ExpertAck:       pick(overrides.ExpertAck, defaultExpertAck),
		ExpertActive:    pick(overrides.ExpertActive, defaultExpertActive),
		ExpertStats:     pick(overrides.ExpertStats, defaultExpertStats),
		ExpertHelp:      pick(overrides.ExpertHelp, defaultExpertHelp),
		FarmerEscalated: pick(overrides.FarmerEscalated, defaultFarmerEscalated),
		FarmerResponse:  pick(overrides.FarmerResponse, defaultFarmerResponse),
	}
	r := &Renderer{templates: make(map[string]*template.Template, len(bodies))}
	for name, body := range bodies {
		tmpl, err := Parse(name, body)
		if err != nil {
			return nil, fmt.Errorf("templates.%s: %w", name, err)
		}
		r.templates[name] = tmpl
	}
	return r, nil
}

// MustDefault returns renderer with built-in templates only.
func MustDefault() *Renderer {
	r, err := New(config.TemplatesConfig{})
	if err != nil {
		panic(err)
	}
	return r
}

// Parse parses one template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func Parse(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// FuncMap returns shared template helpers.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"fmtDuration": FormatDuration,
		"json":        MarshalJSON,
		"upper":       func(v any) string { return strings.ToUpper(fmt.Sprint(v)) },
		"age":         func(c domain.EmergencyCase) time.Duration { return c.Age(time.Now().UTC()) },
		"count":       func(s domain.Stats, status string) int { return s.ByStatus[domain.Status(status)] },
	}
}

// Render executes template by name.
// Params: template name and data.
// Returns: trimmed text or render error.
func (r *Renderer) Render(name string, data Data) (string, error) {
	tmpl, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("template %q is not defined", name)
	}
	var out strings.Builder
	if err := tmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(out.String()), nil
}

// ExpertPost renders the case announcement for the expert channel.
func (r *Renderer) ExpertPost(c domain.EmergencyCase) (string, error) {
	return r.Render(ExpertCase, Data{Case: c})
}

// ExpertAcknowledgement renders the thank-you reply after an accepted response.
func (r *Renderer) ExpertAcknowledgement(c domain.EmergencyCase) (string, error) {
	return r.Render(ExpertAck, Data{Case: c})
}

// ActiveList renders the list of open cases.
func (r *Renderer) ActiveList(cases []domain.EmergencyCase) (string, error) {
	return r.Render(ExpertActive, Data{Cases: cases})
}

// StatsSummary renders case counters.
func (r *Renderer) StatsSummary(stats domain.Stats) (string, error) {
	return r.Render(ExpertStats, Data{Stats: stats})
}

// ExpertHelp renders the answering instructions for the expert group.
func (r *Renderer) ExpertHelp() (string, error) {
	return r.Render(ExpertHelp, Data{})
}

// FarmerNotice renders the "under expert review" notice.
// Params: escalated case and farmer-facing instructions from the advisory.
// Returns: notice text.
func (r *Renderer) FarmerNotice(c domain.EmergencyCase, instructions string) (string, error) {
	return r.Render(FarmerEscalated, Data{Case: c, Instructions: strings.TrimSpace(instructions)})
}

// FarmerAnswer renders the expert response delivered to the farmer.
func (r *Renderer) FarmerAnswer(c domain.EmergencyCase) (string, error) {
	return r.Render(FarmerResponse, Data{Case: c})
}

// FormatDuration renders duration in compact human form with one decimal precision.
// Params: template value expected as time.Duration or *time.Duration.
// Returns: formatted duration string.
func FormatDuration(value any) string {
	var duration time.Duration
	switch typed := value.(type) {
	case time.Duration:
		duration = typed
	case *time.Duration:
		if typed == nil {
			return "0.0s"
		}
		duration = *typed
	default:
		return "0.0s"
	}
	if duration < 0 {
		duration = -duration
	}
	seconds := duration.Seconds()
	switch {
	case seconds >= 3600:
		return fmt.Sprintf("%.1fh", seconds/3600)
	case seconds >= 60:
		return fmt.Sprintf("%.1fm", seconds/60)
	default:
		return fmt.Sprintf("%.1fs", seconds)
	}
}

// MarshalJSON renders value into JSON string for template embedding.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}

func pick(override, fallback string) string {
	if strings.TrimSpace(override) == "" {
		return fallback
	}
	return override
}
