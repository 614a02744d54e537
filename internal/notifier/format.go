package notifier

import (
	"fmt"
	"strings"

	"listing_bot/internal/model"
)

// FormatListing renders a listing as one notification item. The result has
// no blank lines so items stay visually separate when joined into a batch.
func FormatListing(subscriptionName string, l model.Listing) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", subscriptionName, l.Title)

	var meta []string
	if l.Price != "" {
		meta = append(meta, l.Price)
	}
	if l.Location != "" {
		meta = append(meta, l.Location)
	}
	if l.PublishedAt != nil {
		meta = append(meta, l.PublishedAt.UTC().Format("2006-01-02 15:04 UTC"))
	}
	if len(meta) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(meta, " | "))
	}

	if desc := strings.Join(strings.Fields(l.Description), " "); desc != "" {
		b.WriteString("\n")
		b.WriteString(desc)
	}
	if l.URL != "" {
		b.WriteString("\n")
		b.WriteString(l.URL)
	}
	return b.String()
}
