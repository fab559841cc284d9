package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/basket/go-foreman/internal/engine"
	"github.com/basket/go-foreman/internal/persistence"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

const (
	// TelegramName is the channel name stored as an action's origin.
	TelegramName = "telegram"
	// telegramMaxText is the Bot API limit for one message.
	telegramMaxText = 4096
)

// Pusher enqueues inbound text. *engine.Producer implements it.
type Pusher interface {
	Push(ctx context.Context, req engine.Request) (engine.PushResult, error)
}

// Canceller stops the running action of a chat. *engine.Cancellations
// implements it.
type Canceller interface {
	Cancel(ctx context.Context, id string) (bool, error)
}

// botAPI is the part of *tgbotapi.BotAPI the channel uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// TelegramChannel turns allowed chat messages into user-lane actions and
// delivers outgoing messages back to the chat.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	pusher     Pusher
	store      *persistence.Store
	canceller  Canceller
	logger     *slog.Logger
	bot        botAPI
	limiter    *rate.Limiter
}

// NewTelegramChannel creates a new Telegram channel. An empty allowlist
// accepts nobody.
func NewTelegramChannel(token string, allowedIDs []int64, pusher Pusher, store *persistence.Store, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		pusher:     pusher,
		store:      store,
		logger:     logger.With("component", "channels", "channel", TelegramName),
		// Bot API allows about 30 messages per second across chats.
		limiter: rate.NewLimiter(rate.Limit(25), 5),
	}
}

// WithCanceller enables the /stop command.
func (t *TelegramChannel) WithCanceller(c Canceller) *TelegramChannel {
	t.canceller = c
	return t
}

func (t *TelegramChannel) Name() string {
	return TelegramName
}

// Connect creates the bot client. Start calls it when needed; calling it
// early lets Send work before polling begins.
func (t *TelegramChannel) Connect() error {
	if t.bot != nil {
		return nil
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "user", bot.Self.UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.Connect(); err != nil {
		return err
	}

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout.
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// The library blocks rather than closing the channel on a dead connection.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)
			t.handleUpdate(ctx, update)
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	if _, ok := t.allowedIDs[msg.From.ID]; !ok {
		t.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
		return
	}
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}
	if msg.IsCommand() {
		t.handleCommand(ctx, msg)
		return
	}

	res, err := t.pusher.Push(ctx, engine.Request{
		Description: content,
		Lane:        persistence.LaneUser,
		Payload: map[string]any{
			persistence.PayloadChannel: TelegramName,
			persistence.PayloadSession: sessionFor(msg.Chat.ID),
			persistence.PayloadTarget:  strconv.FormatInt(msg.Chat.ID, 10),
		},
	})
	switch {
	case errors.Is(err, engine.ErrRejectedInput):
		t.reply(ctx, msg.Chat.ID, "I can't act on that message.")
	case err != nil:
		t.logger.Error("failed to push telegram message", "chat_id", msg.Chat.ID, "error", err)
		t.reply(ctx, msg.Chat.ID, "Something went wrong queueing your request. Please try again.")
	default:
		t.logger.Info("telegram message queued", "chat_id", msg.Chat.ID, "action_id", res.ActionID,
			"deduped", res.Deduped, "resumed", res.Resumed)
	}
}

func (t *TelegramChannel) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start", "help":
		t.reply(ctx, msg.Chat.ID, "Send me a task in plain text. /stop cancels what I'm working on for this chat.")
	case "stop":
		n, err := t.stopChat(ctx, msg.Chat.ID)
		if err != nil {
			t.logger.Error("stop command failed", "chat_id", msg.Chat.ID, "error", err)
			t.reply(ctx, msg.Chat.ID, "Could not stop the current task.")
			return
		}
		if n == 0 {
			t.reply(ctx, msg.Chat.ID, "Nothing is running for this chat.")
			return
		}
		t.reply(ctx, msg.Chat.ID, "Stopping.")
	default:
		t.reply(ctx, msg.Chat.ID, "Unknown command.")
	}
}

// stopChat cancels the chat's in-progress actions.
func (t *TelegramChannel) stopChat(ctx context.Context, chatID int64) (int, error) {
	if t.canceller == nil || t.store == nil {
		return 0, nil
	}
	running, err := t.store.List(ctx, persistence.ActionFilter{
		Statuses: []persistence.Status{persistence.StatusInProgress},
		Origin:   TelegramName,
		Session:  sessionFor(chatID),
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range running {
		ok, err := t.canceller.Cancel(ctx, a.ID)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Send delivers text to the chat id in target, split at the Bot API limit.
func (t *TelegramChannel) Send(ctx context.Context, target, text string) error {
	if t.bot == nil {
		return errors.New("telegram bot not connected")
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(target), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram target %q is not a chat id", target)
	}
	for _, part := range splitText(text, telegramMaxText) {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func (t *TelegramChannel) reply(ctx context.Context, chatID int64, text string) {
	if err := t.Send(ctx, strconv.FormatInt(chatID, 10), text); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

func sessionFor(chatID int64) string {
	return "telegram-" + strconv.FormatInt(chatID, 10)
}

// splitText cuts s into chunks of at most limit bytes, preferring line
// breaks and never splitting a rune.
func splitText(s string, limit int) []string {
	var parts []string
	for len(s) > limit {
		cut := strings.LastIndexByte(s[:limit], '\n')
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
		}
		parts = append(parts, s[:cut])
		s = strings.TrimLeft(s[cut:], "\n")
	}
	if s != "" || len(parts) == 0 {
		parts = append(parts, s)
	}
	return parts
}
