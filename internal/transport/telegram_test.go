package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"vetdesk/internal/config"
	"vetdesk/internal/domain"
	"vetdesk/internal/failure"

	tgmodels "github.com/go-telegram/bot/models"
)

type botRequest struct {
	Method  string
	ChatID  string
	Text    string
	Caption string
	Photo   string
	ReplyTo int
}

// fakeBotAPI records Bot API calls and answers with sequential message ids.
type fakeBotAPI struct {
	t *testing.T

	mu       sync.Mutex
	requests []botRequest
	failures map[string]string
	migrated map[string]int64
}

func newFakeBotAPI(t *testing.T) (*fakeBotAPI, *httptest.Server) {
	api := &fakeBotAPI{t: t, failures: make(map[string]string), migrated: make(map[string]int64)}
	server := httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(server.Close)
	return api, server
}

func (a *fakeBotAPI) failMethod(method, body string) {
	a.mu.Lock()
	a.failures[method] = body
	a.mu.Unlock()
}

// migrateChat makes every call to chat from answer like a group upgraded to supergroup to.
func (a *fakeBotAPI) migrateChat(from string, to int64) {
	a.mu.Lock()
	a.migrated[from] = to
	a.mu.Unlock()
}

func (a *fakeBotAPI) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.t.Errorf("method=%s", r.Method)
	}
	if !strings.HasPrefix(r.URL.Path, "/bottoken/") {
		a.t.Errorf("path=%s", r.URL.Path)
	}
	if err := r.ParseMultipartForm(2 << 20); err != nil {
		a.t.Errorf("parse form: %v", err)
	}
	method := strings.TrimPrefix(r.URL.Path, "/bottoken/")
	request := botRequest{
		Method:  method,
		ChatID:  r.FormValue("chat_id"),
		Text:    r.FormValue("text"),
		Caption: r.FormValue("caption"),
		Photo:   r.FormValue("photo"),
	}
	if rawReply := r.FormValue("reply_parameters"); rawReply != "" {
		var reply struct {
			MessageID int `json:"message_id"`
		}
		if err := json.Unmarshal([]byte(rawReply), &reply); err != nil {
			a.t.Errorf("decode reply_parameters: %v", err)
		}
		request.ReplyTo = reply.MessageID
	}

	a.mu.Lock()
	a.requests = append(a.requests, request)
	messageID := 100 + len(a.requests)
	failBody, failing := a.failures[method]
	migrateTo, migrating := a.migrated[request.ChatID]
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if migrating {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprintf(w, `{"ok":false,"error_code":400,"description":"Bad Request: group chat was upgraded to a supergroup chat","parameters":{"migrate_to_chat_id":%d}}`, migrateTo)
		return
	}
	if failing {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(failBody))
		return
	}
	_, _ = fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":1,"chat":{"id":-100500,"type":"supergroup"}}}`, messageID)
}

func (a *fakeBotAPI) recorded() []botRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]botRequest(nil), a.requests...)
}

func testTelegramConfig(apiBase string) config.TelegramConfig {
	return config.TelegramConfig{
		BotToken: "token",
		ChatID:   "-100500",
		APIBase:  apiBase,
		Retry: config.RetryConfig{
			Enabled:     true,
			Backoff:     "fixed",
			InitialMS:   1,
			MaxMS:       1,
			MaxAttempts: 3,
		},
	}
}

func TestTelegramExpertPostAndReply(t *testing.T) {
	t.Parallel()

	api, server := newFakeBotAPI(t)
	expert, err := NewTelegramExpert(testTelegramConfig(server.URL), nil)
	if err != nil {
		t.Fatalf("new expert: %v", err)
	}

	ref, err := expert.Post(context.Background(), ExpertPost{CaseID: "AB12CD34", Text: "Case #AB12CD34"})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if ref != "-100500:101" {
		t.Fatalf("unexpected ref %q", ref)
	}
	if err := expert.Reply(context.Background(), ref, "thanks"); err != nil {
		t.Fatalf("reply: %v", err)
	}

	requests := api.recorded()
	if len(requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(requests))
	}
	if requests[0].Method != "sendMessage" || requests[0].ChatID != "-100500" || requests[0].Text != "Case #AB12CD34" {
		t.Fatalf("unexpected post request %+v", requests[0])
	}
	if requests[0].ReplyTo != 0 {
		t.Fatalf("post must not reply to anything")
	}
	if requests[1].ReplyTo != 101 || requests[1].Text != "thanks" {
		t.Fatalf("unexpected reply request %+v", requests[1])
	}
}

func TestTelegramExpertPostsPhotoWithCaption(t *testing.T) {
	t.Parallel()

	api, server := newFakeBotAPI(t)
	expert, err := NewTelegramExpert(testTelegramConfig(server.URL), nil)
	if err != nil {
		t.Fatalf("new expert: %v", err)
	}

	ref, err := expert.Post(context.Background(), ExpertPost{CaseID: "C1", Text: "Case #C1", MediaRef: "file-id-1"})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	requests := api.recorded()
	if len(requests) != 1 || requests[0].Method != "sendPhoto" {
		t.Fatalf("expected one sendPhoto, got %+v", requests)
	}
	if requests[0].Photo != "file-id-1" || requests[0].Caption != "Case #C1" {
		t.Fatalf("unexpected photo request %+v", requests[0])
	}
	if ref != "-100500:101" {
		t.Fatalf("unexpected ref %q", ref)
	}
}

func TestTelegramExpertFallsBackToTextWhenPhotoFails(t *testing.T) {
	t.Parallel()

	api, server := newFakeBotAPI(t)
	api.failMethod("sendPhoto", `{"ok":false,"error_code":400,"description":"Bad Request: wrong file identifier"}`)
	expert, err := NewTelegramExpert(testTelegramConfig(server.URL), nil)
	if err != nil {
		t.Fatalf("new expert: %v", err)
	}

	ref, err := expert.Post(context.Background(), ExpertPost{CaseID: "C2", Text: "Case #C2", MediaRef: "broken"})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	requests := api.recorded()
	last := requests[len(requests)-1]
	if last.Method != "sendMessage" || last.Text != "Case #C2" {
		t.Fatalf("expected text fallback, got %+v", requests)
	}
	if ref != FormatRef("-100500", 100+len(requests)) {
		t.Fatalf("ref must point to fallback message, got %q", ref)
	}
}

func TestTelegramExpertKeepsCaseWhenPhotoOutcomeUnknown(t *testing.T) {
	t.Parallel()

	api, server := newFakeBotAPI(t)
	api.failMethod("sendPhoto", `{"ok":false,"error_code":502,"description":"Bad Gateway"}`)
	expert, err := NewTelegramExpert(testTelegramConfig(server.URL), nil)
	if err != nil {
		t.Fatalf("new expert: %v", err)
	}

	_, err = expert.Post(context.Background(), ExpertPost{CaseID: "C5", Text: "Case #C5", MediaRef: "file-id-5"})
	if !errors.Is(err, failure.Transport) || failure.IsPermanent(err) {
		t.Fatalf("expected retryable transport error, got %v", err)
	}
	for _, request := range api.recorded() {
		if request.Method == "sendMessage" {
			t.Fatalf("text fallback must not follow a photo that may have been delivered: %+v", api.recorded())
		}
	}
}

func TestTelegramExpertFollowsGroupMigration(t *testing.T) {
	t.Parallel()

	api, server := newFakeBotAPI(t)
	api.migrateChat("-100500", -1009876)
	expert, err := NewTelegramExpert(testTelegramConfig(server.URL), nil)
	if err != nil {
		t.Fatalf("new expert: %v", err)
	}

	ref, err := expert.Post(context.Background(), ExpertPost{CaseID: "C6", Text: "Case #C6", MediaRef: "file-id-6"})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	requests := api.recorded()
	if len(requests) != 2 {
		t.Fatalf("expected one rejected and one migrated post, got %+v", requests)
	}
	if requests[0].ChatID != "-100500" || requests[1].ChatID != "-1009876" || requests[1].Method != "sendPhoto" {
		t.Fatalf("unexpected migration requests %+v", requests)
	}
	if ref != "-1009876:102" {
		t.Fatalf("ref must use the migrated chat, got %q", ref)
	}

	if _, err := expert.Post(context.Background(), ExpertPost{CaseID: "C7", Text: "Case #C7"}); err != nil {
		t.Fatalf("post after migration: %v", err)
	}
	if last := api.recorded()[2]; last.ChatID != "-1009876" {
		t.Fatalf("later posts must go to the migrated chat, got %+v", last)
	}

	if err := expert.Reply(context.Background(), "-100500:101", "late ack"); err != nil {
		t.Fatalf("reply to pre-migration ref: %v", err)
	}
	if last := api.recorded()[3]; last.ChatID != "-1009876" || last.ReplyTo != 0 {
		t.Fatalf("pre-migration refs must be answered without reply target, got %+v", last)
	}

	update := &tgmodels.Update{Message: &tgmodels.Message{
		ID:   7,
		Chat: tgmodels.Chat{ID: -1009876},
		From: &tgmodels.User{ID: 5, FirstName: "Ada"},
		Text: "hello",
	}}
	_, chatKey := expert.chat()
	if _, ok := inboundFromUpdate(update, chatKey); !ok {
		t.Fatalf("messages from the migrated chat must be accepted")
	}
}

func TestTelegramForbiddenIsPermanent(t *testing.T) {
	t.Parallel()

	api, server := newFakeBotAPI(t)
	api.failMethod("sendMessage", `{"ok":false,"error_code":403,"description":"Forbidden: bot was kicked from the group chat"}`)
	expert, err := NewTelegramExpert(testTelegramConfig(server.URL), nil)
	if err != nil {
		t.Fatalf("new expert: %v", err)
	}

	_, err = expert.Post(context.Background(), ExpertPost{CaseID: "C3", Text: "Case #C3"})
	if !errors.Is(err, failure.Transport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !failure.IsPermanent(err) || failure.Retryable(err) {
		t.Fatalf("forbidden must be permanent: %v", err)
	}
	if got := len(api.recorded()); got != 1 {
		t.Fatalf("permanent failure must not be retried, got %d requests", got)
	}
}

func TestTelegramFarmerSend(t *testing.T) {
	t.Parallel()

	api, server := newFakeBotAPI(t)
	farmer, err := NewTelegramFarmer(testTelegramConfig(server.URL), nil)
	if err != nil {
		t.Fatalf("new farmer: %v", err)
	}
	if err := farmer.Send(context.Background(), domain.FarmerRef{ChannelUserID: "424242"}, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	requests := api.recorded()
	if len(requests) != 1 || requests[0].ChatID != "424242" || requests[0].Text != "hello" {
		t.Fatalf("unexpected farmer request %+v", requests)
	}
	if err := farmer.Send(context.Background(), domain.FarmerRef{}, "hello"); !failure.IsPermanent(err) {
		t.Fatalf("empty farmer id must be permanent, got %v", err)
	}
}

func TestInboundFromUpdate(t *testing.T) {
	t.Parallel()

	vet := &tgmodels.User{ID: 77, FirstName: "Amina", LastName: "Bello"}
	base := func() *tgmodels.Message {
		return &tgmodels.Message{
			ID:   205,
			From: vet,
			Date: 1700000000,
			Chat: tgmodels.Chat{ID: -100500},
			Text: "Isolate the herd",
			ReplyToMessage: &tgmodels.Message{
				ID: 101,
			},
		}
	}

	event, ok := inboundFromUpdate(&tgmodels.Update{Message: base()}, "-100500")
	if !ok {
		t.Fatalf("expected group message to convert")
	}
	if event.MessageRef != "-100500:205" || event.ReplyToRef != "-100500:101" {
		t.Fatalf("unexpected refs %+v", event)
	}
	if event.Sender.ID != "77" || event.Sender.DisplayName != "Amina Bello" || event.Text != "Isolate the herd" {
		t.Fatalf("unexpected event %+v", event)
	}
	if !event.ReceivedAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected received time %s", event.ReceivedAt)
	}

	other := base()
	other.Chat.ID = -1
	if _, ok := inboundFromUpdate(&tgmodels.Update{Message: other}, "-100500"); ok {
		t.Fatalf("messages from other chats must be ignored")
	}
	fromBot := base()
	fromBot.From = &tgmodels.User{ID: 1, IsBot: true}
	if _, ok := inboundFromUpdate(&tgmodels.Update{Message: fromBot}, "-100500"); ok {
		t.Fatalf("bot messages must be ignored")
	}
	if _, ok := inboundFromUpdate(&tgmodels.Update{}, "-100500"); ok {
		t.Fatalf("updates without message must be ignored")
	}

	caption := base()
	caption.Text = ""
	caption.Caption = "see photo"
	caption.ReplyToMessage = nil
	caption.From = &tgmodels.User{ID: 9, Username: "drvet"}
	caption.Chat = tgmodels.Chat{ID: -5, Username: "VetGroup"}
	event, ok = inboundFromUpdate(&tgmodels.Update{Message: caption}, "@vetgroup")
	if !ok || event.Text != "see photo" || event.ReplyToRef != "" || event.Sender.DisplayName != "@drvet" {
		t.Fatalf("unexpected caption event %+v ok=%v", event, ok)
	}
}

func TestParseRef(t *testing.T) {
	t.Parallel()

	chat, id, err := ParseRef("-100500:42")
	if err != nil || chat != "-100500" || id != 42 {
		t.Fatalf("unexpected parse result %q %d %v", chat, id, err)
	}
	for _, bad := range []string{"", "42", ":42", "chat:", "chat:x", "chat:-1"} {
		if _, _, err := ParseRef(bad); err == nil {
			t.Fatalf("expected parse error for %q", bad)
		}
	}
}
