package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketBot/internal/domain"
	"bracketBot/internal/metrics"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// fakeTelegram answers getMe and records sendMessage texts. release gates
// sendMessage so tests can fill the queue.
type fakeTelegram struct {
	mu      sync.Mutex
	texts   []string
	release chan struct{}
}

func (f *fakeTelegram) handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"bracket","username":"bracket_bot"}}`))
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		if f.release != nil {
			<-f.release
		}
		r.ParseForm()
		f.mu.Lock()
		f.texts = append(f.texts, r.PostForm.Get("text"))
		f.mu.Unlock()
		w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeTelegram) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func newTestBot(t *testing.T, fake *fakeTelegram) *tgbotapi.BotAPI {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(server.Close)
	api, err := tgbotapi.NewBotAPIWithClient("TOKEN", server.URL+"/bot%s/%s", server.Client())
	require.NoError(t, err)
	return api
}

func TestNotifier_Delivers(t *testing.T) {
	fake := &fakeTelegram{}
	n, err := New(Config{ChatID: 42, Logger: &mockLogger{}, API: newTestBot(t, fake)})
	require.NoError(t, err)

	n.Notify(context.Background(), domain.Notification{
		Kind: domain.NotifyTradeClosed, Title: "Trade closed (CLOSED_TP)", Symbol: "BTCUSDC", TradeID: 7,
		Fields: map[string]interface{}{"pnl": 20.0, "closePrice": 110.0},
	})
	n.Close()

	texts := fake.sent()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Trade closed (CLOSED_TP)")
	assert.Contains(t, texts[0], "Trade: #7")
	assert.Less(t, strings.Index(texts[0], "closePrice"), strings.Index(texts[0], "pnl"), "fields are sorted")
}

func TestNotifier_DropsWhenQueueFull(t *testing.T) {
	fake := &fakeTelegram{release: make(chan struct{})}
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	n, err := New(Config{ChatID: 42, QueueSize: 1, Logger: &mockLogger{}, Metrics: m, API: newTestBot(t, fake)})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		n.Notify(ctx, domain.Notification{Kind: domain.NotifyOrphan, Title: "orphan"})
	}
	// One message can be in flight and one queued; the rest are dropped.
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.NotificationsDropped), 3.0)

	close(fake.release)
	n.Close()
	assert.LessOrEqual(t, len(fake.sent()), 2)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{ChatID: 42})
	assert.Error(t, err)
	_, err = New(Config{Logger: &mockLogger{}})
	assert.Error(t, err)
}

func TestFormat(t *testing.T) {
	text := Format(domain.Notification{
		Kind: domain.NotifyRejected, Title: "Trade rejected by risk gate", Symbol: "ETHUSDC",
		Fields: map[string]interface{}{"reason": "daily loss", "symbol": "ETHUSDC"},
	})
	assert.True(t, strings.HasPrefix(text, "⛔ Trade rejected by risk gate"))
	assert.Equal(t, 1, strings.Count(text, "ETHUSDC"), "symbol field is not repeated")
	assert.NotContains(t, text, "Trade: #")

	long := Format(domain.Notification{Title: strings.Repeat("x", maxMessageLength+10)})
	assert.Len(t, long, maxMessageLength)
}
