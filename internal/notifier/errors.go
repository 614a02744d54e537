package notifier

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sony/gobreaker"

	"listing_bot/internal/retry"
)

// Kind classifies a delivery failure.
type Kind int

// Delivery failure kinds.
const (
	// Transient failures were definitely not delivered and may be retried.
	Transient Kind = iota + 1
	// Permanent failures will not succeed for this destination.
	Permanent
	// Inconclusive failures may or may not have reached the chat.
	Inconclusive
	// Rejected failures are messages the API refused for their content,
	// such as one over the length limit. The chat itself is fine.
	Rejected
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Inconclusive:
		return "inconclusive"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ErrPermanent matches any DeliveryError of kind Permanent via errors.Is.
var ErrPermanent = errors.New("permanent delivery failure")

// DeliveryError describes a failed delivery to a chat.
type DeliveryError struct {
	ChatID     int64
	Kind       Kind
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to chat %d (%s): %v", e.ChatID, e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Is reports Permanent errors as ErrPermanent.
func (e *DeliveryError) Is(target error) bool {
	return target == ErrPermanent && e.Kind == Permanent
}

// KindOf returns the failure kind of err. Errors that are not DeliveryErrors
// are Inconclusive, since nothing proves they were not delivered.
func KindOf(err error) Kind {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	return Inconclusive
}

// IsTransient reports whether err is worth another delivery attempt.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == Transient
}

// RetryAfter returns the server-requested wait carried by err, if any.
func RetryAfter(err error) time.Duration {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

// RetryPolicy returns the delivery retry policy: exponential backoff from
// base, capped at 30s, retrying only transient failures and waiting at least
// as long as the server asked.
func RetryPolicy(attempts int, base time.Duration) retry.Policy {
	return retry.Policy{
		Attempts:  attempts,
		Base:      base,
		Max:       30 * time.Second,
		Jitter:    10,
		Retryable: IsTransient,
		MinDelay:  RetryAfter,
	}
}

// Classify wraps an error returned by the Bot API client into a DeliveryError.
func Classify(chatID int64, err error) *DeliveryError {
	de := &DeliveryError{ChatID: chatID, Kind: Inconclusive, Err: err}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		de.Kind = Transient
		return de
	}

	if code, msg, retryAfter, ok := apiError(err); ok {
		switch {
		case code == http.StatusTooManyRequests:
			de.Kind = Transient
			de.RetryAfter = time.Duration(retryAfter) * time.Second
		case code >= 500:
			de.Kind = Transient
		case code == http.StatusUnauthorized || code == http.StatusNotFound:
			// Bad bot token. Nothing was sent, and no chat is to blame.
			de.Kind = Transient
		case code == http.StatusBadRequest && rejectedContent(msg):
			de.Kind = Rejected
		case code >= 400:
			// Blocked bot, chat not found, deactivated user.
			de.Kind = Permanent
		}
		return de
	}

	if refusedBeforeSend(err) {
		de.Kind = Transient
	}
	return de
}

func apiError(err error) (code int, msg string, retryAfter int, ok bool) {
	var ptr *tgbotapi.Error
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Code, ptr.Message, ptr.RetryAfter, true
	}
	var val tgbotapi.Error
	if errors.As(err, &val) {
		return val.Code, val.Message, val.RetryAfter, true
	}
	return 0, "", 0, false
}

// rejectedContent matches Bad Request descriptions that blame the message
// rather than the chat.
func rejectedContent(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range []string{"message is too long", "message text is empty", "can't parse entities"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// refusedBeforeSend reports failures that happen before any byte of the
// request could reach the server.
func refusedBeforeSend(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
