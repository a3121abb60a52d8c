package telegram

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"bracketBot/internal/domain"
	"bracketBot/internal/metrics"
	"bracketBot/internal/ports"
)

const (
	maxMessageLength = 4096
	defaultQueueSize = 64
)

// Config holds configuration for the notifier.
type Config struct {
	Token     string
	ChatID    int64
	QueueSize int
	Logger    ports.Logger
	Metrics   *metrics.Metrics
	// API lets tests supply a bot bound to a fake endpoint.
	API *tgbotapi.BotAPI
}

// Notifier delivers notifications to one chat. Notify never blocks: when the
// queue is full the message is dropped and counted.
type Notifier struct {
	api     *tgbotapi.BotAPI
	chatID  int64
	logger  ports.Logger
	metrics *metrics.Metrics
	queue   chan domain.Notification

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(cfg Config) (*Notifier, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for telegram notifier")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	api := cfg.API
	if api == nil {
		var err error
		api, err = tgbotapi.NewBotAPI(cfg.Token)
		if err != nil {
			return nil, fmt.Errorf("failed to create telegram bot: %w", err)
		}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	cfg.Logger.Info(context.Background(), "Telegram bot authorized", map[string]interface{}{"username": api.Self.UserName})

	n := &Notifier{
		api:     api,
		chatID:  cfg.ChatID,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		queue:   make(chan domain.Notification, cfg.QueueSize),
	}
	n.wg.Add(1)
	go n.deliver()
	return n, nil
}

// Notify enqueues n for delivery.
func (t *Notifier) Notify(ctx context.Context, n domain.Notification) {
	select {
	case t.queue <- n:
	default:
		t.metrics.NotificationDropped()
		t.logger.Warn(ctx, "Notification queue full, dropping message", map[string]interface{}{"kind": string(n.Kind), "tradeID": n.TradeID})
	}
}

// Close stops accepting notifications and waits for the queue to drain.
func (t *Notifier) Close() {
	t.closeOnce.Do(func() {
		close(t.queue)
		t.wg.Wait()
	})
}

func (t *Notifier) deliver() {
	defer t.wg.Done()
	for n := range t.queue {
		msg := tgbotapi.NewMessage(t.chatID, Format(n))
		msg.DisableWebPagePreview = true
		if _, err := t.api.Send(msg); err != nil {
			t.logger.Error(context.Background(), err, "Failed to send telegram message", map[string]interface{}{"kind": string(n.Kind)})
		}
	}
}

var kindIcons = map[domain.NotificationKind]string{
	domain.NotifyTradeOpened: "🟢",
	domain.NotifyTradeClosed: "🏁",
	domain.NotifyRejected:    "⛔",
	domain.NotifyUnprotected: "🚨",
	domain.NotifyProposal:    "💡",
	domain.NotifyOrphan:      "⚠️",
}

// Format renders a notification as plain text with fields sorted by key.
func Format(n domain.Notification) string {
	var b strings.Builder
	if icon, ok := kindIcons[n.Kind]; ok {
		b.WriteString(icon + " ")
	}
	b.WriteString(n.Title)
	if n.Symbol != "" {
		b.WriteString("\nSymbol: " + n.Symbol)
	}
	if n.TradeID != 0 {
		fmt.Fprintf(&b, "\nTrade: #%d", n.TradeID)
	}

	keys := make([]string, 0, len(n.Fields))
	for k := range n.Fields {
		if k == "symbol" || k == "tradeID" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, n.Fields[k])
	}

	text := b.String()
	if len(text) > maxMessageLength {
		cut := maxMessageLength
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}
