package filter

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"listing_bot/internal/model"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name    string
		listing model.Listing
		filters []model.Filter
		want    bool
	}{
		{
			name:    "no filters passes everything",
			listing: model.Listing{Title: "anything", Description: "whatever"},
			want:    true,
		},
		{
			name:    "include word matches",
			listing: model.Listing{Title: "Carbon road bike 56cm", Description: "Shimano 105"},
			filters: []model.Filter{
				{Kind: model.FilterInclude, Scope: model.ScopeAll, Value: "carbon"},
			},
			want: true,
		},
		{
			name:    "include word no match",
			listing: model.Listing{Title: "Steel road bike", Description: "Shimano 105"},
			filters: []model.Filter{
				{Kind: model.FilterInclude, Scope: model.ScopeAll, Value: "carbon"},
			},
			want: false,
		},
		{
			name:    "include is case insensitive",
			listing: model.Listing{Title: "CARBON frame"},
			filters: []model.Filter{
				{Kind: model.FilterInclude, Scope: model.ScopeAll, Value: "carbon"},
			},
			want: true,
		},
		{
			name:    "exclude word blocks match",
			listing: model.Listing{Title: "Road bike for parts", Description: "Cracked frame"},
			filters: []model.Filter{
				{Kind: model.FilterExclude, Scope: model.ScopeAll, Value: "parts"},
			},
			want: false,
		},
		{
			name:    "include and exclude both match, exclude wins",
			listing: model.Listing{Title: "Carbon bike for parts"},
			filters: []model.Filter{
				{Kind: model.FilterInclude, Scope: model.ScopeAll, Value: "carbon"},
				{Kind: model.FilterExclude, Scope: model.ScopeAll, Value: "parts"},
			},
			want: false,
		},
		{
			name:    "multiple includes OR logic",
			listing: model.Listing{Title: "Aluminium gravel bike"},
			filters: []model.Filter{
				{Kind: model.FilterInclude, Scope: model.ScopeAll, Value: "carbon"},
				{Kind: model.FilterInclude, Scope: model.ScopeAll, Value: "gravel"},
			},
			want: true,
		},
		{
			name:    "regex include matches",
			listing: model.Listing{Title: "2 bedroom flat, 54 m2"},
			filters: []model.Filter{
				{Kind: model.FilterIncludeRe, Scope: model.ScopeTitle, Value: `[23] bedroom`},
			},
			want: true,
		},
		{
			name:    "regex exclude blocks",
			listing: model.Listing{Title: "Room in shared flat", Description: "short term only"},
			filters: []model.Filter{
				{Kind: model.FilterExcludeRe, Scope: model.ScopeAll, Value: `short.?term`},
			},
			want: false,
		},
		{
			name:    "unicode cyrillic include",
			listing: model.Listing{Title: "Велосипед карбоновый", Description: "Почти новый"},
			filters: []model.Filter{
				{Kind: model.FilterInclude, Scope: model.ScopeAll, Value: "велосипед"},
			},
			want: true,
		},
		{
			name:    "scope title ignores description",
			listing: model.Listing{Title: "Road bike", Description: "carbon wheels"},
			filters: []model.Filter{
				{Kind: model.FilterInclude, Scope: model.ScopeTitle, Value: "carbon"},
			},
			want: false,
		},
		{
			name:    "scope content ignores title",
			listing: model.Listing{Title: "Promo bike", Description: "Great condition"},
			filters: []model.Filter{
				{Kind: model.FilterExclude, Scope: model.ScopeContent, Value: "promo"},
			},
			want: true,
		},
		{
			name:    "mixed scopes: title include and content exclude",
			listing: model.Listing{Title: "Carbon bike", Description: "Sponsored promo"},
			filters: []model.Filter{
				{Kind: model.FilterInclude, Scope: model.ScopeTitle, Value: "carbon"},
				{Kind: model.FilterExclude, Scope: model.ScopeContent, Value: "promo"},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Compile(tt.filters)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			if diff := cmp.Diff(tt.want, m.Match(tt.listing)); diff != "" {
				t.Errorf("Match() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCompileRejectsInvalidFilters(t *testing.T) {
	tests := []struct {
		name   string
		filter model.Filter
	}{
		{name: "invalid regex", filter: model.Filter{Kind: model.FilterIncludeRe, Value: "[invalid"}},
		{name: "unknown kind", filter: model.Filter{Kind: "maybe", Value: "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Compile([]model.Filter{tt.filter}); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestApplyPreservesOrder(t *testing.T) {
	m, err := Compile([]model.Filter{
		{Kind: model.FilterExclude, Scope: model.ScopeTitle, Value: "sold"},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	in := []model.Listing{
		{ID: "1", Title: "Bike A"},
		{ID: "2", Title: "Bike B (sold)"},
		{ID: "3", Title: "Bike C"},
	}
	var ids []string
	for _, l := range m.Apply(in) {
		ids = append(ids, l.ID)
	}
	if diff := cmp.Diff([]string{"1", "3"}, ids); diff != "" {
		t.Errorf("Apply() mismatch (-want +got):\n%s", diff)
	}

	var nilMatcher *Matcher
	if diff := cmp.Diff(len(in), len(nilMatcher.Apply(in))); diff != "" {
		t.Errorf("nil matcher should pass everything (-want +got):\n%s", diff)
	}
}

func TestValidateRegex(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantErr bool
	}{
		{name: "valid simple", pattern: "bike", wantErr: false},
		{name: "valid alternation", pattern: "flat|apartment|studio", wantErr: false},
		{name: "valid class", pattern: `\d+ m2`, wantErr: false},
		{name: "invalid unclosed bracket", pattern: "[invalid", wantErr: true},
		{name: "invalid bad repetition", pattern: "*bad", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRegex(tt.pattern)
			gotErr := err != nil
			if diff := cmp.Diff(tt.wantErr, gotErr); diff != "" {
				t.Errorf("ValidateRegex() error mismatch (-want +got):\n%s\nerr: %v", diff, err)
			}
		})
	}
}
