// Package batcher splits rendered notification items into message-sized batches.
package batcher

import (
	"fmt"
	"strings"
	"unicode/utf16"
)

const (
	separator = "\n\n"
	// TruncationMarker ends an item that was cut to fit a batch on its own.
	TruncationMarker = "… [truncated]"
)

// Limits bounds a single batch.
type Limits struct {
	MaxItems int
	// MaxChars is the maximum rendered batch length, header included, as
	// measured by Length.
	MaxChars int
}

// Batch is one outgoing message.
type Batch[T any] struct {
	Index     int // 1-based
	Total     int
	Items     []T
	Text      string
	Truncated bool
}

type entry[T any] struct {
	item      T
	text      string
	truncated bool
}

// MakeBatches packs items, in order, into batches that respect both limits.
// When more than one batch results, every text starts with "Batch i of N"
// and a blank line. An item too long to fit even alone is truncated and
// sent as its own batch. No items means no batches.
func MakeBatches[T any](items []T, render func(T) string, limits Limits) []Batch[T] {
	if len(items) == 0 {
		return nil
	}
	if limits.MaxItems < 1 {
		limits.MaxItems = 1
	}

	rendered := make([]string, len(items))
	for i, it := range items {
		rendered[i] = render(it)
	}

	groups := pack(items, rendered, limits.MaxItems, limits.MaxChars)
	if len(groups) > 1 {
		// N is only known after packing, so reserve room for the widest
		// possible header; N never exceeds len(items).
		groups = pack(items, rendered, limits.MaxItems, limits.MaxChars-headerReserve(len(items)))
	}

	batches := make([]Batch[T], len(groups))
	for i, g := range groups {
		b := Batch[T]{Index: i + 1, Total: len(groups), Items: make([]T, 0, len(g))}
		texts := make([]string, 0, len(g))
		for _, e := range g {
			b.Items = append(b.Items, e.item)
			texts = append(texts, e.text)
			b.Truncated = b.Truncated || e.truncated
		}
		b.Text = strings.Join(texts, separator)
		if len(groups) > 1 {
			b.Text = header(b.Index, b.Total) + b.Text
		}
		batches[i] = b
	}
	return batches
}

// Length returns the length of s in UTF-16 code units, which is how
// Telegram counts message length. Characters outside the Basic Multilingual
// Plane, such as most emoji, count twice.
func Length(s string) int {
	n := 0
	for _, r := range s {
		n += runeLen(r)
	}
	return n
}

func runeLen(r rune) int {
	if l := utf16.RuneLen(r); l > 0 {
		return l
	}
	return 1
}

func pack[T any](items []T, rendered []string, maxItems, budget int) [][]entry[T] {
	sepLen := Length(separator)

	var (
		groups [][]entry[T]
		cur    []entry[T]
		size   int
	)
	for i, it := range items {
		text, truncated := fit(rendered[i], budget)
		n := Length(text)

		need := n
		if len(cur) > 0 {
			need += sepLen
		}
		if len(cur) > 0 && (len(cur) >= maxItems || size+need > budget) {
			groups = append(groups, cur)
			cur, size, need = nil, 0, n
		}
		cur = append(cur, entry[T]{item: it, text: text, truncated: truncated})
		size += need
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

// fit cuts s to at most budget units, ending it with as much of the
// truncation marker as fits.
func fit(s string, budget int) (string, bool) {
	if Length(s) <= budget {
		return s, false
	}
	marker := Length(TruncationMarker)
	if marker >= budget {
		return cut(TruncationMarker, budget), true
	}
	return cut(s, budget-marker) + TruncationMarker, true
}

// cut returns the longest prefix of s no longer than n units. It never
// splits a character.
func cut(s string, n int) string {
	size := 0
	for i, r := range s {
		l := runeLen(r)
		if size+l > n {
			return s[:i]
		}
		size += l
	}
	return s
}

func header(i, n int) string {
	return fmt.Sprintf("Batch %d of %d", i, n) + separator
}

func headerReserve(maxTotal int) int {
	widest := len(fmt.Sprint(maxTotal))
	return Length(header(0, 0)) - 2 + 2*widest
}
