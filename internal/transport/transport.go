package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"vetdesk/internal/domain"
	"vetdesk/internal/failure"

	tgbot "github.com/go-telegram/bot"
)

// ExpertPost is one case announcement for the expert group.
// Params: case id, rendered text and optional media reference.
// Returns: payload for ExpertChannel.Post.
type ExpertPost struct {
	CaseID   string
	Text     string
	MediaRef string
}

// ExpertChannel is the group where veterinarians see and answer cases.
// Params: context, post payloads and reply targets.
// Returns: opaque message refs, delivery errors and inbound message stream.
type ExpertChannel interface {
	Post(ctx context.Context, post ExpertPost) (string, error)
	Reply(ctx context.Context, replyToRef, text string) error
	Subscribe(ctx context.Context) (<-chan domain.InboundEvent, error)
}

// FarmerChannel delivers text to one farmer.
type FarmerChannel interface {
	Send(ctx context.Context, farmer domain.FarmerRef, text string) error
}

// FormatRef builds the opaque message ref stored on a case.
// Params: chat id and message id.
// Returns: "<chat>:<message>" ref.
func FormatRef(chatID string, messageID int) string {
	return chatID + ":" + strconv.Itoa(messageID)
}

// ParseRef splits a ref produced by FormatRef.
// Params: stored message ref.
// Returns: chat id, message id or parse error.
func ParseRef(ref string) (string, int, error) {
	idx := strings.LastIndex(ref, ":")
	if idx <= 0 || idx == len(ref)-1 {
		return "", 0, fmt.Errorf("invalid message ref %q", ref)
	}
	messageID, err := strconv.Atoi(ref[idx+1:])
	if err != nil || messageID <= 0 {
		return "", 0, fmt.Errorf("invalid message id in ref %q", ref)
	}
	return ref[:idx], messageID, nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps non-numeric IDs as string.
// Params: configured chat ID or farmer channel user id.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}

// telegramError wraps Bot API failures as TransportError.
// Client-side rejections are marked permanent so retries stop early.
func telegramError(op string, err error) error {
	wrapped := failure.New(failure.KindTransport, op, err)
	var migrated *tgbot.MigrateError
	switch {
	case errors.As(err, &migrated),
		errors.Is(err, tgbot.ErrorBadRequest),
		errors.Is(err, tgbot.ErrorForbidden),
		errors.Is(err, tgbot.ErrorUnauthorized),
		errors.Is(err, tgbot.ErrorNotFound):
		return failure.MarkPermanent(wrapped)
	default:
		return wrapped
	}
}
