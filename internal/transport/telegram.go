package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"vetdesk/internal/config"
	"vetdesk/internal/domain"
	"vetdesk/internal/failure"
	"vetdesk/internal/logging"
	"vetdesk/internal/retry"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// captionLimit is the Bot API limit for photo captions.
const captionLimit = 1024

const inboundBuffer = 64

// TelegramExpert posts cases to the expert group and streams group messages back.
// Params: bot client, group chat id, retry policy and logger.
// Returns: ExpertChannel backed by the Telegram Bot API.
type TelegramExpert struct {
	bot    *tgbot.Bot
	policy retry.Policy
	logger *slog.Logger

	chatMu  sync.RWMutex
	chatID  any
	chatKey string

	mu         sync.RWMutex
	sink       chan domain.InboundEvent
	subscribed bool
}

// NewTelegramExpert creates expert group transport.
// Params: Telegram settings and logger.
// Returns: initialized transport or bot init error.
func NewTelegramExpert(cfg config.TelegramConfig, logger *slog.Logger) (*TelegramExpert, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		return nil, errors.New("telegram chat_id is required")
	}
	expert := &TelegramExpert{
		chatID:  normalizeChatID(cfg.ChatID),
		chatKey: strings.TrimSpace(cfg.ChatID),
		policy:  cfg.Retry.Policy(),
		logger:  logging.OrNop(logger),
	}

	pollTimeout := time.Duration(cfg.PollTimeoutSec) * time.Second
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
		tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")),
		tgbot.WithHTTPClient(pollTimeout, &http.Client{Timeout: pollTimeout + 10*time.Second}),
		tgbot.WithDefaultHandler(expert.handleUpdate),
		tgbot.WithErrorsHandler(func(err error) {
			expert.logger.Warn("telegram polling error", "error", err.Error())
		}),
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		return nil, failure.New(failure.KindTransport, "telegram.init", err)
	}
	expert.bot = botClient
	return expert, nil
}

// Post announces a case in the expert group.
// A media case is posted as a captioned photo; text is the fallback when the
// photo is rejected. Other photo failures return, since the photo may have landed.
// Params: context and post payload.
// Returns: message ref or TransportError.
func (e *TelegramExpert) Post(ctx context.Context, post ExpertPost) (string, error) {
	if post.MediaRef != "" && utf8.RuneCountInString(post.Text) <= captionLimit {
		messageID, err := e.sendPhoto(ctx, post.MediaRef, post.Text, 0)
		if err == nil {
			return e.ref(messageID), nil
		}
		if !failure.IsPermanent(err) {
			return "", err
		}
		e.logger.Warn("expert photo post rejected, falling back to text", "case_id", post.CaseID, "error", err.Error())
		post.MediaRef = ""
	}

	messageID, err := e.sendText(ctx, "telegram.post", post.Text, 0)
	if err != nil {
		return "", err
	}
	if post.MediaRef != "" {
		// Caption too long: the photo follows as a reply to the case message.
		if _, err := e.sendPhoto(ctx, post.MediaRef, "", messageID); err != nil {
			e.logger.Warn("expert media attachment failed", "case_id", post.CaseID, "error", err.Error())
		}
	}
	return e.ref(messageID), nil
}

// Reply answers a message in the expert group.
// Refs from a chat the group migrated away from are answered without a reply target.
// Params: context, replied-to ref and text.
// Returns: TransportError when send fails.
func (e *TelegramExpert) Reply(ctx context.Context, replyToRef, text string) error {
	replyTo := 0
	if replyToRef != "" {
		chatKey, messageID, err := ParseRef(replyToRef)
		if err != nil {
			return failure.MarkPermanent(failure.New(failure.KindTransport, "telegram.reply", err))
		}
		if _, current := e.chat(); chatKey == current {
			replyTo = messageID
		}
	}
	_, err := e.sendText(ctx, "telegram.reply", text, replyTo)
	return err
}

// Subscribe starts long polling and streams group messages.
// The channel closes when ctx ends.
// Params: subscription lifetime context.
// Returns: inbound event stream or error when already subscribed.
func (e *TelegramExpert) Subscribe(ctx context.Context) (<-chan domain.InboundEvent, error) {
	e.mu.Lock()
	if e.subscribed {
		e.mu.Unlock()
		return nil, errors.New("telegram expert channel already subscribed")
	}
	e.subscribed = true
	sink := make(chan domain.InboundEvent, inboundBuffer)
	e.sink = sink
	e.mu.Unlock()

	go func() {
		e.bot.Start(ctx)
		e.mu.Lock()
		e.sink = nil
		close(sink)
		e.mu.Unlock()
	}()
	return sink, nil
}

// handleUpdate forwards group messages into the active subscription.
func (e *TelegramExpert) handleUpdate(ctx context.Context, _ *tgbot.Bot, update *tgmodels.Update) {
	_, chatKey := e.chat()
	event, ok := inboundFromUpdate(update, chatKey)
	if !ok {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.sink == nil {
		return
	}
	select {
	case e.sink <- event:
	case <-ctx.Done():
	}
}

// chat returns the current group chat id and its ref key.
func (e *TelegramExpert) chat() (any, string) {
	e.chatMu.RLock()
	defer e.chatMu.RUnlock()
	return e.chatID, e.chatKey
}

func (e *TelegramExpert) ref(messageID int) string {
	_, chatKey := e.chat()
	return FormatRef(chatKey, messageID)
}

// migrate switches the group to the supergroup id reported by the Bot API.
func (e *TelegramExpert) migrate(to int) {
	key := strconv.Itoa(to)
	e.chatMu.Lock()
	from := e.chatKey
	e.chatID = int64(to)
	e.chatKey = key
	e.chatMu.Unlock()
	e.logger.Warn("expert group migrated to supergroup", "from_chat_id", from, "to_chat_id", key)
}

// withMigration runs send against the current chat and repeats it once on the
// migrated chat when the group was upgraded to a supergroup.
func (e *TelegramExpert) withMigration(ctx context.Context, send func(context.Context, any) (int, error)) (int, error) {
	chatID, _ := e.chat()
	messageID, err := send(ctx, chatID)
	var migrated *tgbot.MigrateError
	if err == nil || !errors.As(err, &migrated) || migrated.MigrateToChatID == 0 {
		return messageID, err
	}
	e.migrate(migrated.MigrateToChatID)
	chatID, _ = e.chat()
	return send(ctx, chatID)
}

func (e *TelegramExpert) sendText(ctx context.Context, op, text string, replyTo int) (int, error) {
	return e.withMigration(ctx, func(ctx context.Context, chatID any) (int, error) {
		return sendTelegramText(ctx, e.bot, e.policy, e.logger, op, chatID, text, replyTo)
	})
}

func (e *TelegramExpert) sendPhoto(ctx context.Context, mediaRef, caption string, replyTo int) (int, error) {
	return e.withMigration(ctx, func(ctx context.Context, chatID any) (int, error) {
		var messageID int
		err := retry.Do(ctx, e.policy, e.logger, "telegram.photo", nil, func(ctx context.Context) error {
			request := &tgbot.SendPhotoParams{
				ChatID:  chatID,
				Photo:   &tgmodels.InputFileString{Data: mediaRef},
				Caption: caption,
			}
			if replyTo > 0 {
				request.ReplyParameters = &tgmodels.ReplyParameters{MessageID: replyTo}
			}
			sent, err := e.bot.SendPhoto(ctx, request)
			if err != nil {
				return telegramError("telegram.photo", err)
			}
			if sent == nil || sent.ID <= 0 {
				return failure.Errorf(failure.KindTransport, "telegram.photo", "empty message id")
			}
			messageID = sent.ID
			return nil
		})
		return messageID, err
	})
}

// TelegramFarmer delivers farmer messages through a Telegram bot.
// Params: bot client, retry policy and logger.
// Returns: FarmerChannel keyed by Telegram user id.
type TelegramFarmer struct {
	bot    *tgbot.Bot
	policy retry.Policy
	logger *slog.Logger
}

// NewTelegramFarmer creates farmer-facing Telegram sender.
// Params: Telegram settings and logger.
// Returns: initialized sender or bot init error.
func NewTelegramFarmer(cfg config.TelegramConfig, logger *slog.Logger) (*TelegramFarmer, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("telegram bot token is required")
	}
	botClient, err := tgbot.New(cfg.BotToken,
		tgbot.WithSkipGetMe(),
		tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")),
	)
	if err != nil {
		return nil, failure.New(failure.KindTransport, "telegram.init", err)
	}
	return &TelegramFarmer{bot: botClient, policy: cfg.Retry.Policy(), logger: logging.OrNop(logger)}, nil
}

// Send posts text to the farmer's private chat.
func (f *TelegramFarmer) Send(ctx context.Context, farmer domain.FarmerRef, text string) error {
	if strings.TrimSpace(farmer.ChannelUserID) == "" {
		return failure.MarkPermanent(failure.Errorf(failure.KindTransport, "telegram.farmer", "farmer channel user id is empty"))
	}
	_, err := sendTelegramText(ctx, f.bot, f.policy, f.logger, "telegram.farmer", normalizeChatID(farmer.ChannelUserID), text, 0)
	return err
}

// sendTelegramText sends plain text with retries.
// Params: bot, retry policy, logger, op label, chat, text and optional reply target.
// Returns: sent message id or TransportError.
func sendTelegramText(ctx context.Context, bot *tgbot.Bot, policy retry.Policy, logger *slog.Logger, op string, chatID any, text string, replyTo int) (int, error) {
	var messageID int
	err := retry.Do(ctx, policy, logger, op, nil, func(ctx context.Context) error {
		request := &tgbot.SendMessageParams{
			ChatID: chatID,
			Text:   text,
		}
		if replyTo > 0 {
			request.ReplyParameters = &tgmodels.ReplyParameters{MessageID: replyTo}
		}
		sent, err := bot.SendMessage(ctx, request)
		if err != nil {
			return telegramError(op, err)
		}
		if sent == nil || sent.ID <= 0 {
			return failure.Errorf(failure.KindTransport, op, "empty message id")
		}
		messageID = sent.ID
		return nil
	})
	return messageID, err
}

// inboundFromUpdate converts one Bot API update into an expert inbound event.
// Params: update and configured group chat key.
// Returns: event and true for human messages from the group.
func inboundFromUpdate(update *tgmodels.Update, chatKey string) (domain.InboundEvent, bool) {
	if update == nil || update.Message == nil {
		return domain.InboundEvent{}, false
	}
	msg := update.Message
	if !chatMatches(msg.Chat, chatKey) {
		return domain.InboundEvent{}, false
	}
	if msg.From == nil || msg.From.IsBot {
		return domain.InboundEvent{}, false
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	event := domain.InboundEvent{
		MessageRef: FormatRef(chatKey, msg.ID),
		Text:       text,
		Sender: domain.Sender{
			ID:          strconv.FormatInt(msg.From.ID, 10),
			DisplayName: displayName(msg.From),
		},
		ReceivedAt: time.Unix(int64(msg.Date), 0).UTC(),
	}
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.ID > 0 {
		event.ReplyToRef = FormatRef(chatKey, msg.ReplyToMessage.ID)
	}
	return event, true
}

func chatMatches(chat tgmodels.Chat, chatKey string) bool {
	if strconv.FormatInt(chat.ID, 10) == chatKey {
		return true
	}
	return chat.Username != "" && strings.EqualFold("@"+chat.Username, chatKey)
}

func displayName(user *tgmodels.User) string {
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name != "" {
		return name
	}
	if user.Username != "" {
		return "@" + user.Username
	}
	return strconv.FormatInt(user.ID, 10)
}
