package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"vetdesk/internal/config"
	"vetdesk/internal/domain"
	"vetdesk/internal/failure"
	"vetdesk/internal/logging"
	"vetdesk/internal/retry"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

const whatsappPrefix = "whatsapp:"

// messageCreator is the part of the Twilio REST API used for delivery.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioFarmer delivers farmer messages over WhatsApp through Twilio.
// Params: message API, sender number, retry policy and logger.
// Returns: FarmerChannel keyed by phone number.
type TwilioFarmer struct {
	api    messageCreator
	from   string
	policy retry.Policy
	logger *slog.Logger
}

// NewTwilioFarmer creates WhatsApp sender from account credentials.
// Params: Twilio settings and logger.
// Returns: initialized sender or validation error.
func NewTwilioFarmer(cfg config.TwilioConfig, logger *slog.Logger) (*TwilioFarmer, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("twilio account_sid and auth_token are required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("twilio from number is required")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newTwilioFarmer(client.Api, cfg.From, cfg.Retry.Policy(), logger), nil
}

func newTwilioFarmer(api messageCreator, from string, policy retry.Policy, logger *slog.Logger) *TwilioFarmer {
	return &TwilioFarmer{
		api:    api,
		from:   whatsappAddress(from),
		policy: policy,
		logger: logging.OrNop(logger),
	}
}

// Send delivers text to the farmer's WhatsApp number.
func (f *TwilioFarmer) Send(ctx context.Context, farmer domain.FarmerRef, text string) error {
	to := strings.TrimSpace(farmer.ChannelUserID)
	if to == "" {
		return failure.MarkPermanent(failure.Errorf(failure.KindTransport, "twilio.send", "farmer channel user id is empty"))
	}
	return retry.Do(ctx, f.policy, f.logger, "twilio.send", nil, func(context.Context) error {
		params := &twilioApi.CreateMessageParams{}
		params.SetTo(whatsappAddress(to))
		params.SetFrom(f.from)
		params.SetBody(text)
		if _, err := f.api.CreateMessage(params); err != nil {
			return twilioError(err)
		}
		f.logger.Debug("twilio message sent", "to", to)
		return nil
	})
}

func whatsappAddress(number string) string {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, whatsappPrefix) {
		return number
	}
	return whatsappPrefix + number
}

// twilioError wraps REST failures; client errors other than throttling are permanent.
func twilioError(err error) error {
	wrapped := failure.New(failure.KindTransport, "twilio.send", err)
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) && restErr.Status >= 400 && restErr.Status < 500 && restErr.Status != http.StatusTooManyRequests {
		return failure.MarkPermanent(wrapped)
	}
	return wrapped
}
