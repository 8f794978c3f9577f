package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/crpc/internal/shared"
)

// Telegram is the native Telegram channel over the Bot API.
type Telegram struct {
	token      string
	allowedIDs map[int64]struct{}
	logger     *slog.Logger

	mu        sync.Mutex
	bot       *tgbotapi.BotAPI
	connected atomic.Bool
}

func NewTelegram(token string, allowedIDs []int64, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &Telegram{token: token, allowedIDs: allowed, logger: logger}
}

func (t *Telegram) ID() string { return "telegram" }

func (t *Telegram) api() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return nil, shared.Wrap(shared.KindDependencyUnavailable, "telegram init", err)
	}
	t.bot = bot
	t.connected.Store(true)
	t.logger.Info("telegram connected", "user", bot.Self.UserName)
	return bot, nil
}

// Send delivers a message to the chat id in msg.To. Failures are
// classified so the delivery loop can decide whether to retry: rate
// limits and network errors are Transient, a bad chat id is Permanent.
func (t *Telegram) Send(ctx context.Context, msg Message) (DeliveryResult, error) {
	bot, err := t.api()
	if err != nil {
		return DeliveryResult{}, err
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.To), 10, 64)
	if err != nil {
		return DeliveryResult{}, shared.Ef(shared.KindPermanent, "telegram recipient %q is not a chat id", msg.To)
	}
	if err := ctx.Err(); err != nil {
		return DeliveryResult{}, shared.Wrap(shared.KindCancelled, "send", err)
	}

	out := tgbotapi.NewMessage(chatID, msg.Body)
	sent, err := bot.Send(out)
	if err != nil {
		return DeliveryResult{}, classifyTelegramError(err)
	}
	var warnings []string
	for _, handle := range msg.Media {
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(handle))
		if _, err := bot.Send(doc); err != nil {
			warnings = append(warnings, fmt.Sprintf("media %s: %v", handle, err))
		}
	}
	return DeliveryResult{
		ProviderMsgID: strconv.Itoa(sent.MessageID),
		DeliveredAt:   time.Now(),
		Warnings:      warnings,
	}, nil
}

func classifyTelegramError(err error) error {
	if tgErr, ok := err.(*tgbotapi.Error); ok {
		if tgErr.RetryAfter > 0 || tgErr.Code == 429 {
			return shared.Wrap(shared.KindTransient, "telegram rate limited", err).
				WithData("retry_after_ms", tgErr.RetryAfter*1000)
		}
		if tgErr.Code >= 400 && tgErr.Code < 500 {
			return shared.Wrap(shared.KindPermanent, "telegram rejected message", err)
		}
	}
	return shared.Wrap(shared.KindTransient, "telegram send", err)
}

// Logout stops polling and drops the API handle.
func (t *Telegram) Logout(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
		t.bot = nil
	}
	t.connected.Store(false)
	return nil
}

// Status reports connectivity for channels.status.
func (t *Telegram) Status() Status {
	detail := "not connected"
	if t.connected.Load() {
		detail = "polling"
	}
	return Status{ChannelID: t.ID(), Connected: t.connected.Load(), Detail: detail}
}

// Listen long-polls for updates, reconnecting with exponential backoff,
// and forwards messages from allowed senders to the handler.
func (t *Telegram) Listen(ctx context.Context, handler InboundHandler) error {
	bot, err := t.api()
	if err != nil {
		return err
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		pollErr := t.poll(ctx, updates, handler)
		bot.StopReceivingUpdates()
		if pollErr == nil {
			return nil
		}

		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (t *Telegram) poll(ctx context.Context, updates tgbotapi.UpdatesChannel, handler InboundHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("updates channel closed")
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			from := update.Message.From
			if from == nil {
				continue
			}
			if len(t.allowedIDs) > 0 {
				if _, ok := t.allowedIDs[from.ID]; !ok {
					t.logger.Debug("telegram message from unallowed sender dropped", "sender", from.ID)
					continue
				}
			}
			handler(ctx, Inbound{
				ChannelID: t.ID(),
				Sender:    strconv.FormatInt(from.ID, 10),
				Peer:      strconv.FormatInt(update.Message.Chat.ID, 10),
				Text:      update.Message.Text,
			})
		}
	}
}
