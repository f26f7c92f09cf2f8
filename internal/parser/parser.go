// Package parser turns registry status pages into snapshots using goquery.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

// ErrNoRecord is returned when a page holds neither a detail panel nor a
// matching result row.
var ErrNoRecord = errors.New("no record on page")

var (
	statusPattern   = regexp.MustCompile(`Status\s*:\s*(.+)`)
	nameFieldRegexp = regexp.MustCompile(`TM Applied For\s+(.+)`)
	classPattern    = regexp.MustCompile(`Class\s+(.+)`)
	keyPattern      = regexp.MustCompile(`(?:TM Application No|Application No)\.?\s*:?\s*(\d+)`)
	spacePattern    = regexp.MustCompile(`[ \t\f\v]+`)
)

// Selectors used on the registry's pages.
const (
	detailSelector = "#lblappdetail"
	resultRows     = "#ContentPlaceHolder1_MGVSearchResult tr"
)

// Parser implements tracker.Parser for the trade marks registry.
type Parser struct{}

// New returns a Parser.
func New() *Parser {
	return &Parser{}
}

// Parse extracts the record from page. Timestamp is left for the caller.
func (p *Parser) Parse(page tracker.Page) (tracker.Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return tracker.Snapshot{}, fmt.Errorf("read html: %w", err)
	}
	if detail := doc.Find(detailSelector); detail.Length() > 0 {
		return parseDetail(detailText(detail), page.Target)
	}
	if rows := doc.Find(resultRows); rows.Length() > 0 {
		return parseResults(rows, page.Target)
	}
	return tracker.Snapshot{}, ErrNoRecord
}

// detailText renders the detail panel with one line per table row or <br>.
func detailText(sel *goquery.Selection) string {
	var b strings.Builder
	sel.Find("br").ReplaceWithHtml("\n")
	if rows := sel.Find("tr"); rows.Length() > 0 {
		rows.Each(func(_ int, row *goquery.Selection) {
			cells := row.Find("td").Map(func(_ int, c *goquery.Selection) string {
				return strings.TrimSpace(c.Text())
			})
			b.WriteString(strings.Join(cells, " "))
			b.WriteString("\n")
		})
		return b.String()
	}
	return sel.Text()
}

func parseDetail(text string, target tracker.Target) (tracker.Snapshot, error) {
	status := firstMatch(statusPattern, text)
	if status == "" {
		return tracker.Snapshot{}, fmt.Errorf("detail panel has no status line")
	}
	snap := tracker.Snapshot{
		Key:      firstMatch(keyPattern, text),
		Name:     firstMatch(nameFieldRegexp, text),
		Category: firstMatch(classPattern, text),
		Status:   status,
	}
	return fillFromTarget(snap, target)
}

func parseResults(rows *goquery.Selection, target tracker.Target) (tracker.Snapshot, error) {
	var candidates []tracker.Snapshot
	rows.Each(func(_ int, row *goquery.Selection) {
		snap := tracker.Snapshot{
			Key:      spanText(row, "lblapplicationnumber"),
			Name:     spanText(row, "lblsimiliarmark"),
			Category: spanText(row, "lblsearchclass"),
			Status:   spanText(row, "Label6"),
		}
		if snap.Key == "" && snap.Name == "" {
			return
		}
		candidates = append(candidates, snap)
	})
	if len(candidates) == 0 {
		return tracker.Snapshot{}, ErrNoRecord
	}
	chosen := candidates[0]
	for _, c := range candidates {
		if matchesTarget(c, target) {
			chosen = c
			break
		}
	}
	if chosen.Status == "" {
		return tracker.Snapshot{}, fmt.Errorf("result row for %s has no status", chosen.Key)
	}
	return fillFromTarget(chosen, target)
}

func spanText(row *goquery.Selection, idPart string) string {
	return clean(row.Find(`span[id*="` + idPart + `"]`).First().Text())
}

func matchesTarget(s tracker.Snapshot, target tracker.Target) bool {
	if target.ByKey() {
		return s.Key == strings.TrimSpace(target.Key)
	}
	if !strings.EqualFold(s.Name, strings.TrimSpace(target.Name)) {
		return false
	}
	category := strings.TrimSpace(target.Category)
	return category == "" || s.Category == category || strings.Contains(","+strings.ReplaceAll(s.Category, " ", "")+",", ","+category+",")
}

// fillFromTarget backfills fields the page omitted from what was asked for.
func fillFromTarget(s tracker.Snapshot, target tracker.Target) (tracker.Snapshot, error) {
	if s.Key == "" {
		s.Key = strings.TrimSpace(target.Key)
	}
	if s.Name == "" {
		s.Name = strings.TrimSpace(target.Name)
	}
	if s.Category == "" {
		s.Category = strings.TrimSpace(target.Category)
	}
	if s.Key == "" {
		return tracker.Snapshot{}, fmt.Errorf("record has no application number")
	}
	return s, nil
}

func firstMatch(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return clean(m[1])
}

func clean(s string) string {
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}
