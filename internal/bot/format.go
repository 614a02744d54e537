package bot

import (
	"fmt"
	"strings"

	"listing_bot/internal/model"
	"listing_bot/internal/scheduler"
)

const (
	statusActive   = "active"
	statusInactive = "inactive"
)

func status(s *model.Subscription) string {
	if s.IsActive {
		return statusActive
	}
	return statusInactive
}

// FormatSearchList formats the subscriber's saved searches for display.
func FormatSearchList(subs []model.Subscription, intervalMinutes int, filterCounts map[int64][2]int) string {
	if len(subs) == 0 {
		return "You have no saved searches yet. Use /add <search_url> to add one."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Your saved searches (checked every %d min):\n", intervalMinutes)
	for i := range subs {
		s := &subs[i]
		fmt.Fprintf(&b, "\n#%d %s [%s]\n", s.ID, s.Name, status(s))
		inc, exc := filterCounts[s.ID][0], filterCounts[s.ID][1]
		if inc == 0 && exc == 0 {
			b.WriteString("   no filters\n")
		} else {
			fmt.Fprintf(&b, "   %d include, %d exclude filters\n", inc, exc)
		}
	}
	return b.String()
}

// FormatSearchInfo formats detailed information about a single saved search.
func FormatSearchInfo(sub *model.Subscription, intervalMinutes int, filters []model.Filter) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s [%s]\n", sub.ID, sub.Name, status(sub))
	fmt.Fprintf(&b, "URL: %s\n", sub.SearchURL)
	fmt.Fprintf(&b, "Interval: every %d min\n", intervalMinutes)
	if sub.LastCheckedAt != nil {
		fmt.Fprintf(&b, "Last check: %s\n", sub.LastCheckedAt.UTC().Format("2006-01-02 15:04 UTC"))
	} else {
		b.WriteString("Last check: never\n")
	}
	b.WriteString("\n")
	b.WriteString(FormatFilterList(sub, filters))
	return b.String()
}

// FormatFilterList formats the filter rules of a saved search grouped by kind.
func FormatFilterList(sub *model.Subscription, filters []model.Filter) string {
	if len(filters) == 0 {
		return fmt.Sprintf("No filters for #%d \"%s\".\nUse /include, /exclude, /include_re, /exclude_re to add filters.", sub.ID, sub.Name)
	}

	order := []model.FilterKind{model.FilterInclude, model.FilterIncludeRe, model.FilterExclude, model.FilterExcludeRe}
	titles := map[model.FilterKind]string{
		model.FilterInclude:   "Include (word)",
		model.FilterIncludeRe: "Include (regex)",
		model.FilterExclude:   "Exclude (word)",
		model.FilterExcludeRe: "Exclude (regex)",
	}
	groups := make(map[model.FilterKind][]model.Filter)
	for _, f := range filters {
		groups[f.Kind] = append(groups[f.Kind], f)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Filters for #%d \"%s\":\n", sub.ID, sub.Name)
	for _, kind := range order {
		fs := groups[kind]
		if len(fs) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s:\n", titles[kind])
		for _, f := range fs {
			fmt.Fprintf(&b, "  F%d: %s (%s)\n", f.ID, f.Value, scopeLabel(f.Scope))
		}
	}
	return b.String()
}

// FormatCheckResult summarizes an on-demand check.
func FormatCheckResult(sub *model.Subscription, res scheduler.CheckResult) string {
	if res.New == 0 {
		return fmt.Sprintf("No new listings in #%d \"%s\" (%d matching).", sub.ID, sub.Name, res.Found)
	}
	msg := fmt.Sprintf("Found %d new listing(s) in #%d \"%s\".", res.New, sub.ID, sub.Name)
	if res.Failed > 0 {
		msg += fmt.Sprintf(" %d message(s) could not be delivered and will be retried.", res.Failed)
	}
	return msg
}

func scopeLabel(s model.FilterScope) string {
	switch s {
	case model.ScopeTitle:
		return "title only"
	case model.ScopeContent:
		return "content only"
	default:
		return "title+content"
	}
}
