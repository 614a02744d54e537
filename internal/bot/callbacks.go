package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	cmdCheck        = "check"
	cmdFilters      = "filters"
	cmdRemove       = "remove"
	cmdRmFilter     = "rmfilter"
	cbRemoveConfirm = "remove_confirm"
	cbNoop          = "noop"
)

// infoMessage attaches the per-search action buttons to an /info reply.
func infoMessage(chatID int64, text string, subscriptionID int64) tgbotapi.MessageConfig {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Check now", fmt.Sprintf("%s:%d", cmdCheck, subscriptionID)),
			tgbotapi.NewInlineKeyboardButtonData("Filters", fmt.Sprintf("%s:%d", cmdFilters, subscriptionID)),
			tgbotapi.NewInlineKeyboardButtonData("Remove", fmt.Sprintf("%s:%d", cbRemoveConfirm, subscriptionID)),
		),
	)
	return msg
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil || cb.Message.Chat == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	var username string
	if cb.From != nil {
		if !b.cfg.IsUserAllowed(cb.From.ID) {
			return
		}
		username = cb.From.UserName
	}

	action, idStr, ok := strings.Cut(cb.Data, ":")
	if !ok {
		return
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return
	}

	b.log.Info("callback", "action", action, "id", id, "chat_id", chatID)
	if action == cbNoop {
		return
	}

	sub, err := b.subscriber(ctx, chatID, username)
	if err != nil {
		b.log.Error("ensure subscriber", "chat_id", chatID, "error", err)
		return
	}

	switch action {
	case cmdFilters:
		b.handleFilters(ctx, sub, idStr)
	case cmdCheck:
		b.handleCheck(ctx, sub, idStr)
	case cbRemoveConfirm:
		s, ok := b.owned(ctx, sub, id)
		if !ok {
			b.notFound(chatID, id)
			return
		}
		msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Remove #%d \"%s\"? You will stop receiving its listings.", id, s.Name))
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Yes, remove", fmt.Sprintf("%s:%d", cmdRemove, id)),
				tgbotapi.NewInlineKeyboardButtonData("Cancel", cbNoop+":0"),
			),
		)
		b.send(msg)
	case cmdRemove:
		b.handleRemove(ctx, sub, idStr)
	case cmdRmFilter:
		b.handleRmFilter(ctx, sub, idStr)
	}
}
