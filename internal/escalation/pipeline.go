package escalation

import (
	"context"
	"strings"

	"vetdesk/internal/detector"
	"vetdesk/internal/domain"
)

// Reply is the farmer-facing result of one advisory.
type Reply struct {
	Escalated      bool   `json:"escalated"`
	CaseID         string `json:"case_id,omitempty"`
	Text           string `json:"text"`
	DetectionError string `json:"detection_error,omitempty"`
}

// Pipeline runs the farmer side: detect, escalate, build the farmer reply.
type Pipeline struct {
	deps       Deps
	dispatcher *Dispatcher
}

// NewPipeline creates farmer pipeline.
// Params: shared escalation dependencies and dispatcher.
// Returns: pipeline.
func NewPipeline(deps Deps, dispatcher *Dispatcher) *Pipeline {
	return &Pipeline{deps: deps.withDefaults(), dispatcher: dispatcher}
}

// HandleAdvisory decides what the farmer sees for one advisory.
// Malformed markers and failed escalations fall back to the agent text with markers stripped.
// Params: advisory.
// Returns: farmer reply; errors are reported inside the reply.
func (p *Pipeline) HandleAdvisory(ctx context.Context, advisory domain.Advisory) Reply {
	logger := p.deps.Logger.With("farmer_id", advisory.Farmer.ChannelUserID)
	result, err := detector.Detect(advisory)
	if err != nil {
		logger.Warn("emergency marker rejected", "error", err.Error())
		return Reply{Text: fallbackText(result), DetectionError: err.Error()}
	}
	if !result.Found {
		return Reply{Text: result.Stripped}
	}

	c, err := p.dispatcher.Escalate(ctx, advisory.Farmer, result.Payload)
	if err != nil {
		logger.Error("escalation failed, falling back to advisory text", "case_id", c.CaseID, "error", err.Error())
		return Reply{CaseID: c.CaseID, Text: fallbackText(result)}
	}

	notice, err := p.deps.Renderer.FarmerNotice(c, result.Payload.FarmerFacingInstructions)
	if err != nil {
		logger.Error("farmer notice render failed", "case_id", c.CaseID, "error", err.Error())
		notice = fallbackText(result)
	}
	return Reply{Escalated: true, CaseID: c.CaseID, Text: notice}
}

// HandleAndDeliver runs HandleAdvisory and sends the reply through the farmer channel.
// Params: advisory.
// Returns: reply and delivery error.
func (p *Pipeline) HandleAndDeliver(ctx context.Context, advisory domain.Advisory) (Reply, error) {
	reply := p.HandleAdvisory(ctx, advisory)
	if strings.TrimSpace(reply.Text) == "" {
		return reply, nil
	}
	if err := p.deps.Farmer.Send(ctx, advisory.Farmer, reply.Text); err != nil {
		return reply, asTransport("pipeline.deliver", err)
	}
	return reply, nil
}

func fallbackText(result detector.Result) string {
	if text := strings.TrimSpace(result.Stripped); text != "" {
		return text
	}
	return strings.TrimSpace(result.Payload.FarmerFacingInstructions)
}
