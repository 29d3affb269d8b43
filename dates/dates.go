// Package dates derives each document's date range from the DATE mentions
// found by the entity stage. Mentions that are not calendar dates
// (relative words, weekdays, decades, approximations) are ignored; the
// rest are parsed leniently and bounded to a plausible range.
package dates

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/araddon/dateparse"
)

// Store is the catalog surface the reconciler needs.
type Store interface {
	DateMentions(ctx context.Context) (map[string][]string, error)
	SetDocumentDates(ctx context.Context, id string, earliest, latest *time.Time) error
}

// Config tunes the reconciler.
type Config struct {
	// FutureBufferYears admits dates up to this many years after now.
	// Default: 1.
	FutureBufferYears int
	Now               func() time.Time
	Logger            *slog.Logger
}

func (c *Config) defaults() {
	if c.FutureBufferYears <= 0 {
		c.FutureBufferYears = 1
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// sentinelYear is the year a parse falls back to when the text carries no
// year. Results in or before it are discarded.
const sentinelYear = 1900

var skipPatterns = compile(
	`^(today|tomorrow|yesterday|now|later|earlier)$`,
	`^(monday|tuesday|wednesday|thursday|friday|saturday|sunday)$`,
	`^(this|next|last)\s+(week|month|year)$`,
	`^(the\s+)?((early|late|mid)[\s-]+)?\d{3}0'?s$`,
	`^(the\s+)?(early|late|mid)[\s-]+\d{4}$`,
	`^about\s+\d{4}\s+through`,
	`^between\s+approximately`,
	`^at\s+least\s+\d{4}$`,
	`^about\s+\d{4}$`,
	`^(one|two|three|four|five|six|seven|eight|nine|ten)\s+(day|week|month|year)s?`,
	`^\d+\s+(day|week|month|year)s?\s+(ago|later|before|after)`,
)

var (
	bareYear = regexp.MustCompile(`^\d{4}$`)
	// decade matches "1990s" or "1980's" anywhere in a mention.
	decade   = regexp.MustCompile(`(?i)\b\d{3}0'?s\b`)
	ordinal  = regexp.MustCompile(`^(\d{1,2})(st|nd|rd|th)$`)
)

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// Reconciler recomputes earliest/latest dates.
type Reconciler struct {
	store Store
	cfg   Config
}

// New creates a Reconciler.
func New(store Store, cfg Config) *Reconciler {
	cfg.defaults()
	return &Reconciler{store: store, cfg: cfg}
}

// Report summarises a reconciliation.
type Report struct {
	Documents int `json:"documents"`
	Dated     int `json:"dated"`
	Cleared   int `json:"cleared"`
}

// Run recomputes the date range of every document whose entity stage is
// completed. Documents without a usable date get NULL bounds.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var rep Report
	mentions, err := r.store.DateMentions(ctx)
	if err != nil {
		return rep, fmt.Errorf("dates: load mentions: %w", err)
	}
	for id, texts := range mentions {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		earliest, latest := r.Range(texts)
		if err := r.store.SetDocumentDates(ctx, id, earliest, latest); err != nil {
			return rep, fmt.Errorf("dates: update %s: %w", id, err)
		}
		rep.Documents++
		if earliest == nil {
			rep.Cleared++
		} else {
			rep.Dated++
		}
	}
	r.cfg.Logger.InfoContext(ctx, "dates reconciled",
		"documents", rep.Documents, "dated", rep.Dated, "cleared", rep.Cleared)
	return rep, nil
}

// Range returns the earliest and latest usable dates among texts, or nils.
func (r *Reconciler) Range(texts []string) (earliest, latest *time.Time) {
	for _, text := range texts {
		t, ok := r.Parse(text)
		if !ok {
			continue
		}
		if earliest == nil || t.Before(*earliest) {
			e := t
			earliest = &e
		}
		if latest == nil || t.After(*latest) {
			l := t
			latest = &l
		}
	}
	return earliest, latest
}

// Parse turns one mention into a calendar date (UTC midnight). It reports
// false for skipped phrases, unparseable text and out-of-range years.
func (r *Reconciler) Parse(text string) (time.Time, bool) {
	text = strings.TrimSpace(text)
	if text == "" || skipped(text) || decade.MatchString(text) {
		return time.Time{}, false
	}

	var t time.Time
	switch {
	case bareYear.MatchString(text):
		y, _ := strconv.Atoi(text)
		t = time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		parsed, err := dateparse.ParseIn(text, time.UTC)
		if err != nil {
			var ok bool
			parsed, ok = fuzzy(text)
			if !ok {
				return time.Time{}, false
			}
		}
		t = time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC)
	}

	maxYear := r.cfg.Now().Year() + r.cfg.FutureBufferYears
	if t.Year() <= sentinelYear || t.Year() > maxYear {
		return time.Time{}, false
	}
	return t, true
}

func skipped(text string) bool {
	lower := strings.ToLower(text)
	for _, re := range skipPatterns {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

var months = map[string]time.Month{
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may":  time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sep": time.September, "sept": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

// fuzzy picks a month name, a day and a year out of free text, ignoring
// every other token. Missing parts default to January, the 1st and the
// sentinel year.
func fuzzy(text string) (time.Time, bool) {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var (
		month     time.Month
		day, year int
	)
	for _, tok := range tokens {
		if m, ok := months[tok]; ok && month == 0 {
			month = m
			continue
		}
		digits := tok
		if m := ordinal.FindStringSubmatch(tok); m != nil {
			digits = m[1]
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			continue
		}
		switch {
		case len(digits) == 4 && year == 0:
			year = n
		case len(digits) <= 2 && n >= 1 && n <= 31 && day == 0:
			day = n
		}
	}
	if month == 0 && year == 0 {
		return time.Time{}, false
	}
	if month == 0 {
		month = time.January
	}
	if day == 0 {
		day = 1
	}
	if year == 0 {
		year = sentinelYear
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}
