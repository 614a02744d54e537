package bot

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"listing_bot/internal/model"
)

// FilterArgs holds the parsed arguments of a filter command.
type FilterArgs struct {
	SubscriptionID int64
	Scope          model.FilterScope
	Value          string
}

// ParseFilterCommand parses arguments for /include, /exclude, etc.
// Format: <search_id> [-s title|content|all] <value...>
func ParseFilterCommand(args string) (FilterArgs, error) {
	parts := strings.Fields(args)
	if len(parts) < 2 {
		return FilterArgs{}, fmt.Errorf("usage: <search_id> [-s title|content|all] <value>")
	}

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return FilterArgs{}, fmt.Errorf("invalid search ID %q", parts[0])
	}

	scope := model.ScopeAll
	rest := parts[1:]

	if len(rest) >= 2 && rest[0] == "-s" {
		switch rest[1] {
		case "title":
			scope = model.ScopeTitle
		case "content":
			scope = model.ScopeContent
		case "all":
			scope = model.ScopeAll
		default:
			return FilterArgs{}, fmt.Errorf("invalid scope %q, use: title, content, all", rest[1])
		}
		rest = rest[2:]
	}

	if len(rest) == 0 {
		return FilterArgs{}, fmt.Errorf("filter value is required")
	}

	return FilterArgs{
		SubscriptionID: id,
		Scope:          scope,
		Value:          strings.Join(rest, " "),
	}, nil
}

// ParseIDArg extracts a numeric ID from a command argument string.
func ParseIDArg(args string) (int64, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("ID is required")
	}
	id, err := strconv.ParseInt(strings.Fields(s)[0], 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid ID %q", s)
	}
	return id, nil
}

// ParseAddArgs extracts the search URL and an optional name. Without a name
// the URL's host is used.
func ParseAddArgs(args string) (searchURL, name string, err error) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		return "", "", fmt.Errorf("usage: /add <search_url> [name]")
	}
	u, err := url.Parse(parts[0])
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", "", fmt.Errorf("invalid search URL %q, expected an http(s) link", parts[0])
	}
	name = strings.Join(parts[1:], " ")
	if name == "" {
		name = u.Host
	}
	return u.String(), name, nil
}

// ParseIntervalArg extracts a check interval in minutes.
func ParseIntervalArg(args string) (int, error) {
	parts := strings.Fields(args)
	if len(parts) != 1 {
		return 0, fmt.Errorf("usage: /interval <minutes>")
	}
	mins, err := strconv.Atoi(parts[0])
	if err != nil || mins < 1 || mins > 1440 {
		return 0, fmt.Errorf("interval must be between 1 and 1440 minutes")
	}
	return mins, nil
}
