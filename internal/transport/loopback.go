package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"vetdesk/internal/domain"
)

// LoopbackMessage is one message recorded by Loopback.
type LoopbackMessage struct {
	Ref        string
	ReplyToRef string
	CaseID     string
	Text       string
	MediaRef   string
}

// FarmerDelivery is one message Loopback delivered to a farmer.
type FarmerDelivery struct {
	Farmer domain.FarmerRef
	Text   string
}

// Loopback is an in-process expert group and farmer channel.
// Params: chat key used in refs.
// Returns: transport that records traffic and accepts injected expert messages.
type Loopback struct {
	chatKey string
	inbound chan domain.InboundEvent

	mu         sync.Mutex
	nextID     int
	posts      []LoopbackMessage
	replies    []LoopbackMessage
	deliveries []FarmerDelivery
	postErr    error
	replyErr   error
	sendErrs   []error
	subscribed bool
}

// NewLoopback creates an empty loopback transport.
func NewLoopback(chatKey string) *Loopback {
	if chatKey == "" {
		chatKey = "loopback"
	}
	return &Loopback{chatKey: chatKey, inbound: make(chan domain.InboundEvent, inboundBuffer)}
}

// Post records the post and returns a fresh ref.
func (l *Loopback) Post(_ context.Context, post ExpertPost) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.postErr != nil {
		return "", l.postErr
	}
	ref := l.allocRef()
	l.posts = append(l.posts, LoopbackMessage{Ref: ref, CaseID: post.CaseID, Text: post.Text, MediaRef: post.MediaRef})
	return ref, nil
}

// Reply records a group reply.
func (l *Loopback) Reply(_ context.Context, replyToRef, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.replyErr != nil {
		return l.replyErr
	}
	l.replies = append(l.replies, LoopbackMessage{Ref: l.allocRef(), ReplyToRef: replyToRef, Text: text})
	return nil
}

// Subscribe streams injected expert messages until ctx ends.
func (l *Loopback) Subscribe(ctx context.Context) (<-chan domain.InboundEvent, error) {
	l.mu.Lock()
	if l.subscribed {
		l.mu.Unlock()
		return nil, errors.New("loopback already subscribed")
	}
	l.subscribed = true
	l.mu.Unlock()

	out := make(chan domain.InboundEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-l.inbound:
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Send records a farmer delivery, or fails with the next queued send error.
func (l *Loopback) Send(_ context.Context, farmer domain.FarmerRef, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sendErrs) > 0 {
		err := l.sendErrs[0]
		l.sendErrs = l.sendErrs[1:]
		return err
	}
	l.deliveries = append(l.deliveries, FarmerDelivery{Farmer: farmer, Text: text})
	return nil
}

// ExpertSays builds an expert message with a fresh ref.
// Params: sender, text and optional replied-to ref.
// Returns: inbound event as the group would deliver it.
func (l *Loopback) ExpertSays(sender domain.Sender, text, replyToRef string) domain.InboundEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return domain.InboundEvent{
		MessageRef: l.allocRef(),
		ReplyToRef: replyToRef,
		Text:       text,
		Sender:     sender,
		ReceivedAt: time.Now().UTC(),
	}
}

// Inject queues an expert message for subscribers.
func (l *Loopback) Inject(ctx context.Context, event domain.InboundEvent) error {
	select {
	case l.inbound <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FailPosts makes every Post return err; nil restores success.
func (l *Loopback) FailPosts(err error) {
	l.mu.Lock()
	l.postErr = err
	l.mu.Unlock()
}

// FailReplies makes every Reply return err; nil restores success.
func (l *Loopback) FailReplies(err error) {
	l.mu.Lock()
	l.replyErr = err
	l.mu.Unlock()
}

// FailNextSends queues errors returned by the next Send calls.
func (l *Loopback) FailNextSends(errs ...error) {
	l.mu.Lock()
	l.sendErrs = append(l.sendErrs, errs...)
	l.mu.Unlock()
}

// Posts returns recorded expert posts.
func (l *Loopback) Posts() []LoopbackMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LoopbackMessage(nil), l.posts...)
}

// Replies returns recorded group replies.
func (l *Loopback) Replies() []LoopbackMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LoopbackMessage(nil), l.replies...)
}

// Deliveries returns recorded farmer deliveries.
func (l *Loopback) Deliveries() []FarmerDelivery {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]FarmerDelivery(nil), l.deliveries...)
}

func (l *Loopback) allocRef() string {
	l.nextID++
	return FormatRef(l.chatKey, l.nextID)
}
