// Package notify pushes pending confirmations to a remote operator so
// dangerous actions can be approved away from the terminal.
package notify

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/quorralabs/warden/internal/config"
	"github.com/quorralabs/warden/internal/mediator"
)

// Resolver is the subset of the action mediator the notifier drives.
type Resolver interface {
	ResolveConfirmation(requestID string, approved bool) error
	PendingConfirmations() []mediator.PendingConfirmation
}

// TelegramBot interface for mocking the telegram bot API.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot.
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking).
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

type TelegramNotifier struct {
	token      string
	chatID     int64
	allowFrom  []string
	proxy      string
	resolver   Resolver
	botFactory BotFactory

	mu     sync.Mutex
	bot    TelegramBot
	cancel context.CancelFunc
}

func NewTelegramNotifier(cfg config.TelegramConfig, resolver Resolver) (*TelegramNotifier, error) {
	return NewTelegramNotifierWithFactory(cfg, resolver, defaultBotFactory)
}

// NewTelegramNotifierWithFactory takes a custom bot factory (for testing).
func NewTelegramNotifierWithFactory(cfg config.TelegramConfig, resolver Resolver, factory BotFactory) (*TelegramNotifier, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}

	return &TelegramNotifier{
		token:      cfg.Token,
		chatID:     cfg.ChatID,
		allowFrom:  cfg.AllowFrom,
		proxy:      cfg.Proxy,
		resolver:   resolver,
		botFactory: factory,
	}, nil
}

func (t *TelegramNotifier) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	log.Printf("[notify] authorized as @%s", bot.GetSelf().UserName)
	return nil
}

func (t *TelegramNotifier) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.initBot(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				if update.Message == nil {
					continue
				}
				t.handleMessage(update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("[notify] polling started")
	return nil
}

// SetBot sets the bot (for testing).
func (t *TelegramNotifier) SetBot(bot TelegramBot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bot = bot
}

func (t *TelegramNotifier) isAllowed(senderID string) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == senderID {
			return true
		}
	}
	return false
}

// handleMessage parses operator commands: /approve <id>, /deny <id>,
// /pending. Anything else is ignored.
func (t *TelegramNotifier) handleMessage(msg *tgbotapi.Message) {
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !t.isAllowed(senderID) {
		log.Printf("[notify] rejected command from %s (%s)", senderID, msg.From.UserName)
		return
	}

	fields := strings.Fields(msg.Text)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "/approve", "/deny":
		if len(fields) < 2 {
			t.reply(msg.Chat.ID, fmt.Sprintf("usage: %s <request-id>", fields[0]))
			return
		}
		requestID := fields[1]
		approved := fields[0] == "/approve"
		if err := t.resolver.ResolveConfirmation(requestID, approved); err != nil {
			t.reply(msg.Chat.ID, fmt.Sprintf("request %s: %v", requestID, err))
			return
		}
		verdict := "approved"
		if !approved {
			verdict = "denied"
		}
		log.Printf("[notify] request %s %s by %s", requestID, verdict, senderID)
		t.reply(msg.Chat.ID, fmt.Sprintf("request %s %s", requestID, verdict))
	case "/pending":
		pending := t.resolver.PendingConfirmations()
		if len(pending) == 0 {
			t.reply(msg.Chat.ID, "no pending requests")
			return
		}
		var b strings.Builder
		for _, p := range pending {
			fmt.Fprintf(&b, "%s  %s  %s\n", p.RequestID, p.Request.Kind, p.Request.Target())
		}
		t.reply(msg.Chat.ID, b.String())
	}
}

// NotifyPending pushes one confirmation request to the operator chat.
func (t *TelegramNotifier) NotifyPending(p mediator.PendingConfirmation) error {
	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	if bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "confirmation needed: %s\n", p.RequestID)
	fmt.Fprintf(&b, "action: %s %s\n", p.Request.Kind, p.Request.Target())
	if p.Reason != "" {
		fmt.Fprintf(&b, "reason: %s\n", p.Reason)
	}
	fmt.Fprintf(&b, "reply /approve %s or /deny %s", p.RequestID, p.RequestID)

	return t.send(b.String())
}

func (t *TelegramNotifier) reply(chatID int64, text string) {
	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	if bot == nil {
		return
	}
	if _, err := bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		log.Printf("[notify] send reply: %v", err)
	}
}

func (t *TelegramNotifier) send(text string) error {
	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()

	// Telegram caps messages at 4096 chars.
	const maxLen = 4000
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxLen {
			idx := strings.LastIndex(chunk[:maxLen], "\n")
			if idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:maxLen]
			}
		}
		text = text[len(chunk):]

		if _, err := bot.Send(tgbotapi.NewMessage(t.chatID, chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

func (t *TelegramNotifier) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	log.Printf("[notify] stopped")
	return nil
}
