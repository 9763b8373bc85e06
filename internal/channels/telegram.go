package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaycode/cah/internal/messenger"
)

// TelegramChannel implements Channel and messenger.Adapter for Telegram:
// it owns the long-poll connection and access-list check, and delegates
// all command/chat/approval dispatch to a shared messenger.Router
// (spec.md §4.9), so a second adapter (Lark, HTTP dashboard) can reuse
// the same command surface without duplicating it. Adapted from the
// teacher's telegram bot shape (long-poll reconnect loop with
// exponential backoff) against this system's actual task/workflow/node
// model instead of the teacher's single-table task store.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	router     *messenger.Router
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
}

// NewTelegramChannel builds a Telegram channel bound to router. The
// caller registers the channel with router via RegisterAdapter before
// Start.
func NewTelegramChannel(token string, allowedIDs []int64, router *messenger.Router, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		router:     router,
		logger:     logger,
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// Start connects to Telegram and polls for updates until ctx is
// cancelled, reconnecting with exponential backoff on transient failure.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram: init: %w", err)
	}
	t.logger.Info("telegram channel started", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)
		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()
		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram: poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
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

const stallTimeout = 150 * time.Second

func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram: update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				if _, allowed := t.allowedIDs[update.Message.From.ID]; !allowed {
					t.logger.Warn("telegram: access denied", "user_id", update.Message.From.ID)
					continue
				}
				t.forward(ctx, update.Message)
			}
		case <-timer.C:
			return fmt.Errorf("telegram: no updates for %v", stallTimeout)
		}
	}
}

// forward normalizes a Telegram message into messenger.Incoming and
// hands it to the shared router, which serializes and dispatches it
// (spec.md §5(v): per-chat turns processed in arrival order).
func (t *TelegramChannel) forward(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	t.router.HandleIncoming(ctx, t.Name(), messenger.Incoming{
		ChatID:      strconv.FormatInt(msg.Chat.ID, 10),
		Text:        text,
		IsMentioned: msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
	})
}

// Reply satisfies messenger.Adapter.
func (t *TelegramChannel) Reply(chatID, text string) error {
	id, err := ParseChatID(chatID)
	if err != nil {
		return err
	}
	_, err = t.bot.Send(tgbotapi.NewMessage(id, text))
	return err
}

// ReplyCard satisfies messenger.Adapter. Telegram has no native card
// widget, so title and body are folded into one message.
func (t *TelegramChannel) ReplyCard(chatID, title, text string) error {
	return t.Reply(chatID, title+"\n"+text)
}

// EditMessage satisfies messenger.Adapter.
func (t *TelegramChannel) EditMessage(chatID, messageID, text string) error {
	id, err := ParseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram: invalid message id %q: %w", messageID, err)
	}
	_, err = t.bot.Send(tgbotapi.NewEditMessageText(id, msgID, text))
	return err
}

// ReplyImage satisfies messenger.Adapter.
func (t *TelegramChannel) ReplyImage(chatID, path string) error {
	id, err := ParseChatID(chatID)
	if err != nil {
		return err
	}
	_, err = t.bot.Send(tgbotapi.NewPhoto(id, tgbotapi.FilePath(path)))
	return err
}

// ParseChatID parses Telegram's native numeric chat id out of the
// router's string form.
func ParseChatID(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}
