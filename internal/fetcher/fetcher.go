// Package fetcher runs saved searches by downloading and parsing their
// RSS/Atom result feeds.
package fetcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mmcdole/gofeed"

	"listing_bot/internal/filter"
	"listing_bot/internal/model"
	"listing_bot/internal/retry"
)

const (
	maxBodyBytes   = 5 * 1024 * 1024
	maxDescription = 300
	userAgent      = "ListingNotifyBot/1.0"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is returned when the search endpoint answers with a non-200 status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Fetcher downloads search result feeds and maps them to listings.
type Fetcher struct {
	client HTTPClient
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{client: client}
}

// Fetch runs a saved search and returns the matching listings in feed order.
func (f *Fetcher) Fetch(ctx context.Context, c model.Criteria) ([]model.Listing, error) {
	matcher, err := filter.Compile(c.Filters)
	if err != nil {
		return nil, err
	}

	feed, err := f.download(ctx, c.SearchURL)
	if err != nil {
		return nil, err
	}

	listings := make([]model.Listing, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		listings = append(listings, ToListing(item))
	}
	return matcher.Apply(listings), nil
}

func (f *Fetcher) download(ctx context.Context, url string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	feed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// ToListing maps a feed item to a listing. Price and location are read from
// custom or namespaced elements named "price" and "location" when present.
func ToListing(item *gofeed.Item) model.Listing {
	l := model.Listing{
		ID:          ListingID(item),
		Title:       strings.TrimSpace(item.Title),
		URL:         item.Link,
		Description: truncate(strings.TrimSpace(item.Description), maxDescription),
		Price:       field(item, "price"),
		Location:    field(item, "location"),
		PublishedAt: item.PublishedParsed,
	}
	if l.PublishedAt == nil {
		l.PublishedAt = item.UpdatedParsed
	}
	if item.Image != nil {
		l.ImageURL = item.Image.URL
	}
	if l.ImageURL == "" {
		for _, enc := range item.Enclosures {
			if enc != nil && strings.HasPrefix(enc.Type, "image/") {
				l.ImageURL = enc.URL
				break
			}
		}
	}
	return l
}

// ListingID returns a stable identifier for a feed item.
// If the item has no GUID, a SHA-256 hash of title+link is used.
func ListingID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}

func field(item *gofeed.Item, name string) string {
	if v := strings.TrimSpace(item.Custom[name]); v != "" {
		return v
	}
	for _, byName := range item.Extensions {
		for _, e := range byName[name] {
			if v := strings.TrimSpace(e.Value); v != "" {
				return v
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// IsRetryable reports whether a fetch error is transient: a 429 or 5xx
// response, or a network timeout. Cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// RetryPolicy returns the fetch retry policy. One attempt means a failed
// search simply waits for the next cycle.
func RetryPolicy(attempts int) retry.Policy {
	return retry.Policy{
		Attempts:  attempts,
		Base:      2 * time.Second,
		Max:       30 * time.Second,
		Jitter:    10,
		Retryable: IsRetryable,
	}
}
