// Package bot implements the Telegram chat commands for managing saved searches.
package bot

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"listing_bot/internal/config"
	"listing_bot/internal/model"
	"listing_bot/internal/scheduler"
	"listing_bot/internal/storage"
)

// TelegramAPI is the subset of the Bot API client the bot uses.
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Checker runs an on-demand check of one subscription.
type Checker interface {
	CheckSubscription(ctx context.Context, subscriptionID int64) (scheduler.CheckResult, error)
}

// Bot handles user commands.
type Bot struct {
	api     TelegramAPI
	store   storage.Storage
	cfg     *config.Config
	fetcher scheduler.Fetcher
	checker Checker
	log     *slog.Logger
	now     func() time.Time
}

// New creates a Bot. The fetcher validates new saved searches and the
// checker serves /check.
func New(api TelegramAPI, store storage.Storage, cfg *config.Config, f scheduler.Fetcher, checker Checker, log *slog.Logger) *Bot {
	return &Bot{
		api:     api,
		store:   store,
		cfg:     cfg,
		fetcher: f,
		checker: checker,
		log:     log,
		now:     time.Now,
	}
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.From == nil || !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.send(tgbotapi.NewMessage(chatID, text))
}

func (b *Bot) send(msg tgbotapi.MessageConfig) {
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", msg.ChatID, "error", err)
	}
}

// subscriber records the interaction and returns the chat's subscriber,
// creating or reactivating it as needed.
func (b *Bot) subscriber(ctx context.Context, chatID int64, username string) (*model.Subscriber, error) {
	sub, created, err := b.store.EnsureSubscriber(ctx, chatID, username, b.now())
	if err != nil {
		return nil, err
	}
	if created {
		b.log.Info("subscriber created", "subscriber_id", sub.ID, "chat_id", chatID)
		b.event(ctx, sub.ID, nil, model.EventSubscriberCreated, map[string]any{
			"chat_id":  chatID,
			"username": username,
		})
	}
	return sub, nil
}

func (b *Bot) event(ctx context.Context, subscriberID int64, subscriptionID *int64, typ model.EventType, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	ev := &model.Event{
		SubscriberID:   &subscriberID,
		SubscriptionID: subscriptionID,
		Type:           typ,
		Payload:        string(data),
		CreatedAt:      b.now(),
	}
	if err := b.store.AppendEvent(ctx, ev); err != nil {
		b.log.Error("append event", "type", string(typ), "error", err)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	var username string
	if msg.From != nil {
		username = msg.From.UserName
	}
	sub, err := b.subscriber(ctx, chatID, username)
	if err != nil {
		b.log.Error("ensure subscriber", "chat_id", chatID, "error", err)
		b.reply(chatID, "Something went wrong, please try again later.")
		return
	}

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "add":
		b.handleAdd(ctx, sub, args)
	case "list":
		b.handleList(ctx, sub)
	case "info":
		b.handleInfo(ctx, sub, args)
	case cmdRemove:
		b.handleRemove(ctx, sub, args)
	case cmdCheck:
		b.handleCheck(ctx, sub, args)
	case "interval":
		b.handleInterval(ctx, sub, args)
	case cmdFilters:
		b.handleFilters(ctx, sub, args)
	case "include":
		b.handleAddFilter(ctx, sub, args, model.FilterInclude)
	case "exclude":
		b.handleAddFilter(ctx, sub, args, model.FilterExclude)
	case "include_re":
		b.handleAddFilter(ctx, sub, args, model.FilterIncludeRe)
	case "exclude_re":
		b.handleAddFilter(ctx, sub, args, model.FilterExcludeRe)
	case cmdRmFilter:
		b.handleRmFilter(ctx, sub, args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
