// Package rules holds the priority-ordered tables that attach an emoji (and,
// for channel markers, a URL annotation) to a schedule entry.
//
// Matching is first-match-wins: tiers are scanned in priority order
// (special keywords, channel markers, categories) and, inside a tier, rules
// are tried in declaration order. Each tier looks at a different part of the
// entry:
//
//   - special keywords: substring of the title
//   - channel markers:  substring of any channel tag
//   - categories:       substring of any category tag
package rules

import (
	"errors"
	"fmt"
	"strings"

	"schedsync/internal/config"
)

// Tier is a priority class of rules. Lower values win.
type Tier int

const (
	TierSpecialKeyword Tier = iota
	TierChannelMarker
	TierCategory
)

func (t Tier) String() string {
	switch t {
	case TierSpecialKeyword:
		return "special_keyword"
	case TierChannelMarker:
		return "channel_marker"
	case TierCategory:
		return "category"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Rule maps a pattern to an emoji. URL is only set on channel markers.
type Rule struct {
	Pattern string `json:"pattern"`
	Emoji   string `json:"emoji"`
	URL     string `json:"url,omitempty"`
}

// Table is the read-only rule set for one sync run.
type Table struct {
	SpecialKeywords []Rule `json:"special_keywords"`
	ChannelMarkers  []Rule `json:"channel_markers"`
	Categories      []Rule `json:"categories"`
}

// Match is the rule that won for an entry.
type Match struct {
	Tier Tier
	Rule Rule
}

// Annotation returns the URL to append to the description, if any.
func (m Match) Annotation() string {
	if m.Tier != TierChannelMarker {
		return ""
	}
	return m.Rule.URL
}

// New validates the tiers and returns a Table. Empty patterns are rejected
// because they would match every entry, and URLs outside the channel tier are
// rejected because they would never be used.
func New(special, channel, category []Rule) (*Table, error) {
	var errs []error
	errs = append(errs, check(TierSpecialKeyword, special)...)
	errs = append(errs, check(TierChannelMarker, channel)...)
	errs = append(errs, check(TierCategory, category)...)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Table{
		SpecialKeywords: clone(special),
		ChannelMarkers:  clone(channel),
		Categories:      clone(category),
	}, nil
}

// FromConfig builds a Table from the YAML rule lists.
func FromConfig(rc config.RulesConfig) (*Table, error) {
	return New(convert(rc.SpecialKeywords), convert(rc.ChannelMarkers), convert(rc.Categories))
}

func convert(in []config.RuleConfig) []Rule {
	out := make([]Rule, 0, len(in))
	for _, r := range in {
		out = append(out, Rule{Pattern: r.Pattern, Emoji: r.Emoji, URL: r.URL})
	}
	return out
}

func clone(in []Rule) []Rule {
	out := make([]Rule, len(in))
	copy(out, in)
	return out
}

func check(tier Tier, rules []Rule) []error {
	var errs []error
	for i, r := range rules {
		if strings.TrimSpace(r.Pattern) == "" {
			errs = append(errs, fmt.Errorf("%s rule %d: empty pattern", tier, i))
		}
		if r.URL != "" && tier != TierChannelMarker {
			errs = append(errs, fmt.Errorf("%s rule %d (%q): url annotation not allowed", tier, i, r.Pattern))
		}
	}
	return errs
}

// Match finds the winning rule for an entry. ok is false when no tier
// matches, which is a normal outcome.
func (t *Table) Match(title string, channels, categories []string) (m Match, ok bool) {
	if t == nil {
		return Match{}, false
	}
	for _, r := range t.SpecialKeywords {
		if strings.Contains(title, r.Pattern) {
			return Match{Tier: TierSpecialKeyword, Rule: r}, true
		}
	}
	if r, ok := firstInAny(t.ChannelMarkers, channels); ok {
		return Match{Tier: TierChannelMarker, Rule: r}, true
	}
	if r, ok := firstInAny(t.Categories, categories); ok {
		return Match{Tier: TierCategory, Rule: r}, true
	}
	return Match{}, false
}

// firstInAny returns the first rule, in declaration order, whose pattern is a
// substring of any of the texts.
func firstInAny(rules []Rule, texts []string) (Rule, bool) {
	for _, r := range rules {
		for _, s := range texts {
			if strings.Contains(s, r.Pattern) {
				return r, true
			}
		}
	}
	return Rule{}, false
}
