// Package notifier delivers rendered notification text to Telegram chats.
package notifier

import (
	"context"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// API is the subset of the Telegram Bot API client used for delivery.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Options tunes the Telegram notifier.
type Options struct {
	// Rate is the process-wide message rate per second.
	Rate  float64
	Burst int
	// BreakerFailures is the number of consecutive service-side failures
	// that opens the breaker.
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open.
	BreakerTimeout time.Duration
}

// DefaultOptions returns limits that stay under Telegram's global bot quota.
func DefaultOptions() Options {
	return Options{
		Rate:            25,
		Burst:           5,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// Telegram sends messages through the Bot API. Every error it returns is a
// *DeliveryError.
type Telegram struct {
	api     API
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// NewTelegram creates a notifier around an API client.
func NewTelegram(api API, opts Options, log *slog.Logger) *Telegram {
	def := DefaultOptions()
	if opts.Rate <= 0 {
		opts.Rate = def.Rate
	}
	if opts.Burst <= 0 {
		opts.Burst = def.Burst
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = def.BreakerFailures
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = def.BreakerTimeout
	}

	t := &Telegram{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst),
		log:     log,
	}
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "telegram",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opts.BreakerFailures
		},
		// A chat that blocked the bot, or a refused message, says nothing
		// about the API's health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			k := Classify(0, err).Kind
			return k == Permanent || k == Rejected
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "circuit", name, "from", from.String(), "to", to.String())
		},
	})
	return t
}

// Deliver sends text to chatID as a plain message without link previews.
func (t *Telegram) Deliver(ctx context.Context, chatID int64, text string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return &DeliveryError{ChatID: chatID, Kind: Transient, Err: err}
	}

	_, err := t.breaker.Execute(func() (any, error) {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.DisableWebPagePreview = true
		return t.api.Send(msg)
	})
	if err == nil {
		return nil
	}

	de := Classify(chatID, err)
	t.log.Debug("delivery failed", "chat_id", chatID, "kind", de.Kind.String(), "error", err)
	return de
}

// State reports the breaker state, for diagnostics.
func (t *Telegram) State() gobreaker.State {
	return t.breaker.State()
}
