package escalation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"vetdesk/internal/casestate"
	"vetdesk/internal/domain"
	"vetdesk/internal/failure"
	"vetdesk/internal/store"

	"golang.org/x/sync/errgroup"
)

// Action names what the correlator did with an inbound message.
type Action string

const (
	ActionResponded Action = "responded"
	ActionListed    Action = "listed"
	ActionStats     Action = "stats"
	ActionHelp      Action = "help"
)

const respondUsage = "Usage: /respond <case_id> <advice>"

var caseMentionPattern = regexp.MustCompile(`(?i)\bcase\s*#\s*([0-9a-z]{4,16})\b`)

// Outcome describes a handled inbound message.
type Outcome struct {
	Action Action
	Case   domain.EmergencyCase
}

// Correlator matches expert messages to cases and records responses.
type Correlator struct {
	deps Deps
}

// NewCorrelator creates correlator.
// Params: shared escalation dependencies; Store is required, Expert is used for acknowledgements.
// Returns: correlator.
func NewCorrelator(deps Deps) *Correlator {
	return &Correlator{deps: deps.withDefaults()}
}

// Handle processes one expert-channel message.
// Resolution order: command, reply reference, "Case #<id>" mention.
// Params: inbound event.
// Returns: outcome or CorrelationError when the message matches no open case.
func (c *Correlator) Handle(ctx context.Context, event domain.InboundEvent) (Outcome, error) {
	text := strings.TrimSpace(event.Text)
	if strings.HasPrefix(text, "/") {
		return c.handleCommand(ctx, event, text)
	}

	if event.ReplyToRef != "" {
		target, err := c.deps.Store.FindByExpertRef(ctx, event.ReplyToRef)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return Outcome{}, failure.New(failure.KindCorrelation, "correlator.reply", fmt.Errorf("no case for ref %s", event.ReplyToRef))
			}
			return Outcome{}, err
		}
		return c.respond(ctx, event, target.CaseID, text, true)
	}

	if match := caseMentionPattern.FindStringSubmatch(text); match != nil {
		return c.respond(ctx, event, normalizeCaseID(match[1]), text, false)
	}
	return Outcome{}, failure.Errorf(failure.KindCorrelation, "correlator.match", "message does not reference a case")
}

// Submit records a response given outside the expert channel.
// Params: case id, responder name and response text.
// Returns: case in response_ready or CorrelationError.
func (c *Correlator) Submit(ctx context.Context, caseID, responder, text string) (domain.EmergencyCase, error) {
	outcome, err := c.respond(ctx, domain.InboundEvent{
		Text:       text,
		Sender:     domain.Sender{DisplayName: responder},
		ReceivedAt: c.deps.Clock.Now(),
	}, normalizeCaseID(caseID), text, false)
	return outcome.Case, err
}

func (c *Correlator) handleCommand(ctx context.Context, event domain.InboundEvent, text string) (Outcome, error) {
	command, rest := splitCommand(text)
	switch command {
	case "respond":
		caseID, body, _ := strings.Cut(strings.TrimSpace(rest), " ")
		if caseID == "" || strings.TrimSpace(body) == "" {
			c.notify(ctx, event.MessageRef, respondUsage)
			return Outcome{}, failure.Errorf(failure.KindCorrelation, "correlator.respond", "command needs a case id and advice")
		}
		return c.respond(ctx, event, normalizeCaseID(caseID), body, true)
	case "active":
		cases, err := c.deps.Store.List(ctx, activeStatuses...)
		if err != nil {
			return Outcome{}, err
		}
		text, err := c.deps.Renderer.ActiveList(cases)
		if err != nil {
			return Outcome{}, err
		}
		c.notify(ctx, event.MessageRef, text)
		return Outcome{Action: ActionListed}, nil
	case "stats":
		cases, err := c.deps.Store.List(ctx)
		if err != nil {
			return Outcome{}, err
		}
		text, err := c.deps.Renderer.StatsSummary(domain.CountStats(cases))
		if err != nil {
			return Outcome{}, err
		}
		c.notify(ctx, event.MessageRef, text)
		return Outcome{Action: ActionStats}, nil
	case "start", "help":
		text, err := c.deps.Renderer.ExpertHelp()
		if err != nil {
			return Outcome{}, err
		}
		c.notify(ctx, event.MessageRef, text)
		return Outcome{Action: ActionHelp}, nil
	default:
		return Outcome{}, failure.New(failure.KindCorrelation, "correlator.command", fmt.Errorf("unknown command /%s", command))
	}
}

// respond records body as the answer for caseID; the first accepted response wins.
// explicit marks messages that clearly target the case, which get a rejection notice.
func (c *Correlator) respond(ctx context.Context, event domain.InboundEvent, caseID, body string, explicit bool) (Outcome, error) {
	const op = "correlator.respond"
	logger := c.deps.Logger.With("case_id", caseID)
	body = strings.TrimSpace(body)
	if body == "" {
		return Outcome{}, failure.Errorf(failure.KindCorrelation, op, "response body is empty")
	}

	var target domain.EmergencyCase
	err := c.deps.withStoreRetry(ctx, "store.get", func(ctx context.Context) error {
		var getErr error
		target, getErr = c.deps.Store.Get(ctx, caseID)
		return getErr
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if explicit {
				c.notify(ctx, event.MessageRef, fmt.Sprintf("Case #%s not found.", caseID))
			}
			return Outcome{}, failure.New(failure.KindCorrelation, op, fmt.Errorf("case %s not found", caseID))
		}
		return Outcome{}, err
	}
	if target.Status != domain.StatusAwaitingResponse {
		if explicit {
			c.notify(ctx, event.MessageRef, rejectionText(target))
		}
		return Outcome{}, failure.New(failure.KindCorrelation, op, fmt.Errorf("case %s is %s", caseID, target.Status))
	}

	at := event.ReceivedAt
	if at.IsZero() {
		at = c.deps.Clock.Now()
	}
	transition := casestate.Responded{
		Text:        body,
		Responder:   event.Sender.DisplayName,
		ResponderID: event.Sender.ID,
		At:          at,
	}
	var updated domain.EmergencyCase
	err = c.deps.withStoreRetry(ctx, "store.update", func(ctx context.Context) error {
		var updateErr error
		updated, updateErr = store.Advance(ctx, c.deps.Store, caseID, transition)
		return updateErr
	})
	if err != nil {
		if errors.Is(err, failure.StoreConflict) {
			current, getErr := c.deps.Store.Get(ctx, caseID)
			if getErr == nil && event.MessageRef != "" {
				c.notify(ctx, event.MessageRef, rejectionText(current))
			}
			logger.Info("response lost race, case already answered", "responder", event.Sender.DisplayName)
			return Outcome{}, failure.New(failure.KindCorrelation, op, fmt.Errorf("case %s already answered", caseID))
		}
		return Outcome{}, err
	}

	logger.Info("expert response recorded", "status", string(updated.Status), "responder", updated.ResponderIdentity)
	c.deps.publish(ctx, domain.CaseEventResponded, updated)
	if ack, renderErr := c.deps.Renderer.ExpertAcknowledgement(updated); renderErr != nil {
		logger.Warn("acknowledgement render failed", "error", renderErr.Error())
	} else {
		replyTo := event.MessageRef
		if replyTo == "" {
			replyTo = updated.ExpertChannelRef
		}
		c.notify(ctx, replyTo, ack)
	}
	return Outcome{Action: ActionResponded, Case: updated}, nil
}

// notify replies in the expert channel; failures are logged only.
func (c *Correlator) notify(ctx context.Context, replyToRef, text string) {
	if c.deps.Expert == nil || text == "" {
		return
	}
	if err := c.deps.Expert.Reply(ctx, replyToRef, text); err != nil {
		c.deps.Logger.Warn("expert channel reply failed", "ref", replyToRef, "error", err.Error())
	}
}

func rejectionText(c domain.EmergencyCase) string {
	switch c.Status {
	case domain.StatusResponseReady, domain.StatusCompleted:
		who := c.ResponderIdentity
		if who == "" {
			who = "another expert"
		}
		return fmt.Sprintf("Case #%s was already answered by %s.", c.CaseID, who)
	default:
		return fmt.Sprintf("Case #%s is %s and cannot take a response yet.", c.CaseID, c.Status)
	}
}

// splitCommand parses "/name@bot rest" into lower-case name and rest.
func splitCommand(text string) (string, string) {
	head, rest, _ := strings.Cut(strings.TrimPrefix(text, "/"), " ")
	head, _, _ = strings.Cut(head, "@")
	return strings.ToLower(head), strings.TrimSpace(rest)
}

func normalizeCaseID(raw string) string {
	return strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(raw), "#"))
}

// Serve handles inbound events concurrently until the stream closes or ctx ends.
// Params: context, event stream and max concurrent handlers.
// Returns: nil after in-flight handlers finish.
func (c *Correlator) Serve(ctx context.Context, stream <-chan domain.InboundEvent, maxInflight int) error {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxInflight)
	for {
		select {
		case <-groupCtx.Done():
			return group.Wait()
		case event, ok := <-stream:
			if !ok {
				return group.Wait()
			}
			group.Go(func() error {
				c.handleLogged(groupCtx, event)
				return nil
			})
		}
	}
}

// handleLogged runs Handle and logs the outcome at a level matching its kind.
func (c *Correlator) handleLogged(ctx context.Context, event domain.InboundEvent) {
	outcome, err := c.Handle(ctx, event)
	switch {
	case err == nil:
		c.deps.Logger.Debug("expert message handled", "action", string(outcome.Action), "case_id", outcome.Case.CaseID, "ref", event.MessageRef)
	case errors.Is(err, failure.Correlation):
		c.deps.Logger.Debug("expert message not correlated", "ref", event.MessageRef, "error", err.Error())
	default:
		c.deps.Logger.Error("expert message handling failed", "ref", event.MessageRef, "error", err.Error())
	}
}
