package bot

import (
	"context"
	"errors"
	"fmt"

	"listing_bot/internal/filter"
	"listing_bot/internal/model"
	"listing_bot/internal/scheduler"
	"listing_bot/internal/storage"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to Listing Notify Bot!

Save a marketplace or job board search and get new listings as they appear.

Quick start:
1. /add <search_url> [name] - save a search (its RSS/Atom results link)
2. /include <id> <word> - only listings mentioning a word
3. /exclude <id> <word> - skip listings mentioning a word

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Saved searches:
/add <search_url> [name] - save a search
/list - show your saved searches
/info <id> - search details
/remove <id> - remove a search
/check <id> - check now
/interval <min> - how often your searches are checked (1-1440)

Filters:
/filters <id> - show filters of a search
/include <id> [-s scope] <word> - require word/phrase
/exclude <id> [-s scope] <word> - reject word/phrase
/include_re <id> [-s scope] <regex> - require regex
/exclude_re <id> [-s scope] <regex> - reject regex
/rmfilter <filter_id> - remove a filter

Scope flag: -s title | content | all (default: all)`)
}

// owned returns the subscriber's non-removed subscription with the given ID.
func (b *Bot) owned(ctx context.Context, sub *model.Subscriber, id int64) (*model.Subscription, bool) {
	s, err := b.store.GetSubscription(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			b.log.Error("get subscription", "subscription_id", id, "error", err)
		}
		return nil, false
	}
	if s.SubscriberID != sub.ID || s.RemovedAt != nil {
		return nil, false
	}
	return s, true
}

func (b *Bot) notFound(chatID, id int64) {
	b.reply(chatID, fmt.Sprintf("Saved search #%d not found.", id))
}

func (b *Bot) handleAdd(ctx context.Context, sub *model.Subscriber, args string) {
	searchURL, name, err := ParseAddArgs(args)
	if err != nil {
		b.reply(sub.ChatID, err.Error())
		return
	}

	n, err := b.store.CountSubscriptions(ctx, sub.ID)
	if err != nil {
		b.reply(sub.ChatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if n >= b.cfg.MaxSubscriptions {
		b.reply(sub.ChatID, fmt.Sprintf("You already have %d saved searches (limit %d). Remove one with /remove <id> first.",
			n, b.cfg.MaxSubscriptions))
		return
	}

	listings, err := b.fetcher.Fetch(ctx, model.Criteria{SearchURL: searchURL})
	if err != nil {
		b.reply(sub.ChatID, fmt.Sprintf("Failed to fetch search results: %v", err))
		return
	}

	s := &model.Subscription{
		SubscriberID: sub.ID,
		Name:         name,
		SearchURL:    searchURL,
		IsActive:     true,
	}
	if err := b.store.CreateSubscription(ctx, s); err != nil {
		b.reply(sub.ChatID, fmt.Sprintf("Failed to save search: %v", err))
		return
	}
	b.event(ctx, sub.ID, &s.ID, model.EventSubscriptionAdded, map[string]any{
		"name": s.Name,
		"url":  s.SearchURL,
	})
	b.log.Info("subscription added", "subscriber_id", sub.ID, "subscription_id", s.ID)

	next := "You will be notified about listings that appear from now on."
	if b.cfg.FirstRunPolicy == "notify" {
		next = "Current results arrive with the next check."
	}
	b.reply(sub.ChatID, fmt.Sprintf("Saved search added!\n#%d %s (every %d min)\nURL: %s\n%d listing(s) currently match. %s\nUse /include, /exclude to narrow it down.",
		s.ID, s.Name, sub.IntervalMinutes, s.SearchURL, len(listings), next))
}

func (b *Bot) handleList(ctx context.Context, sub *model.Subscriber) {
	subs, err := b.store.ListSubscriptions(ctx, sub.ID)
	if err != nil {
		b.reply(sub.ChatID, fmt.Sprintf("Error: %v", err))
		return
	}

	counts := make(map[int64][2]int)
	for _, s := range subs {
		filters, err := b.store.ListFilters(ctx, s.ID)
		if err != nil {
			continue
		}
		var inc, exc int
		for _, f := range filters {
			switch f.Kind {
			case model.FilterInclude, model.FilterIncludeRe:
				inc++
			case model.FilterExclude, model.FilterExcludeRe:
				exc++
			}
		}
		counts[s.ID] = [2]int{inc, exc}
	}

	b.reply(sub.ChatID, FormatSearchList(subs, sub.IntervalMinutes, counts))
}

func (b *Bot) handleInfo(ctx context.Context, sub *model.Subscriber, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(sub.ChatID, "Usage: /info <id>")
		return
	}

	s, ok := b.owned(ctx, sub, id)
	if !ok {
		b.notFound(sub.ChatID, id)
		return
	}

	filters, _ := b.store.ListFilters(ctx, s.ID)
	b.send(infoMessage(sub.ChatID, FormatSearchInfo(s, sub.IntervalMinutes, filters), s.ID))
}

func (b *Bot) handleRemove(ctx context.Context, sub *model.Subscriber, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(sub.ChatID, "Usage: /remove <id>")
		return
	}

	s, ok := b.owned(ctx, sub, id)
	if !ok {
		b.notFound(sub.ChatID, id)
		return
	}

	if err := b.store.RemoveSubscription(ctx, id, b.now()); err != nil {
		b.reply(sub.ChatID, fmt.Sprintf("Error removing search: %v", err))
		return
	}
	b.event(ctx, sub.ID, &s.ID, model.EventSubscriptionRemoved, map[string]any{"name": s.Name})
	b.reply(sub.ChatID, fmt.Sprintf("Saved search #%d \"%s\" removed.", id, s.Name))
}

func (b *Bot) handleCheck(ctx context.Context, sub *model.Subscriber, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(sub.ChatID, "Usage: /check <id>")
		return
	}

	s, ok := b.owned(ctx, sub, id)
	if !ok {
		b.notFound(sub.ChatID, id)
		return
	}

	res, err := b.checker.CheckSubscription(ctx, s.ID)
	switch {
	case errors.Is(err, scheduler.ErrNotCheckable):
		b.reply(sub.ChatID, fmt.Sprintf("Saved search #%d is inactive.", id))
		return
	case err != nil:
		b.reply(sub.ChatID, fmt.Sprintf("Check failed: %v", err))
		return
	}
	b.reply(sub.ChatID, FormatCheckResult(s, res))
}

func (b *Bot) handleInterval(ctx context.Context, sub *model.Subscriber, args string) {
	mins, err := ParseIntervalArg(args)
	if err != nil {
		b.reply(sub.ChatID, err.Error())
		return
	}

	sub.IntervalMinutes = mins
	if err := b.store.UpdateSubscriber(ctx, sub); err != nil {
		b.reply(sub.ChatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(sub.ChatID, fmt.Sprintf("Your searches will be checked every %d min.", mins))
}

func (b *Bot) handleFilters(ctx context.Context, sub *model.Subscriber, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(sub.ChatID, "Usage: /filters <id>")
		return
	}

	s, ok := b.owned(ctx, sub, id)
	if !ok {
		b.notFound(sub.ChatID, id)
		return
	}

	filters, _ := b.store.ListFilters(ctx, s.ID)
	b.reply(sub.ChatID, FormatFilterList(s, filters))
}

func (b *Bot) handleAddFilter(ctx context.Context, sub *model.Subscriber, args string, kind model.FilterKind) {
	parsed, err := ParseFilterCommand(args)
	if err != nil {
		b.reply(sub.ChatID, err.Error())
		return
	}

	s, ok := b.owned(ctx, sub, parsed.SubscriptionID)
	if !ok {
		b.notFound(sub.ChatID, parsed.SubscriptionID)
		return
	}

	if kind == model.FilterIncludeRe || kind == model.FilterExcludeRe {
		if err := filter.ValidateRegex(parsed.Value); err != nil {
			b.reply(sub.ChatID, fmt.Sprintf("Invalid regex: %v", err))
			return
		}
	}

	f := &model.Filter{
		SubscriptionID: s.ID,
		Kind:           kind,
		Scope:          parsed.Scope,
		Value:          parsed.Value,
	}
	if err := b.store.CreateFilter(ctx, f); err != nil {
		b.reply(sub.ChatID, fmt.Sprintf("Error: %v", err))
		return
	}

	b.reply(sub.ChatID, fmt.Sprintf("Filter F%d added to #%d \"%s\": %s %s (%s)",
		f.ID, s.ID, s.Name, kind, parsed.Value, scopeLabel(parsed.Scope)))
}

func (b *Bot) handleRmFilter(ctx context.Context, sub *model.Subscriber, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(sub.ChatID, "Usage: /rmfilter <filter_id>")
		return
	}

	f, err := b.store.GetFilter(ctx, id)
	if err != nil {
		b.reply(sub.ChatID, fmt.Sprintf("Filter F%d not found.", id))
		return
	}

	s, ok := b.owned(ctx, sub, f.SubscriptionID)
	if !ok {
		b.reply(sub.ChatID, fmt.Sprintf("Filter F%d not found.", id))
		return
	}

	if err := b.store.DeleteFilter(ctx, id); err != nil {
		b.reply(sub.ChatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(sub.ChatID, fmt.Sprintf("Filter F%d removed from #%d \"%s\".", id, s.ID, s.Name))
}
