// Package importer turns uploaded CSV or JSON lists into batch targets,
// reporting invalid rows by their line number.
package importer

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/JakeFAU/tm-status-tracker/internal/jobs"
	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

// Column aliases accepted in headers and JSON objects.
var (
	keyColumns      = []string{"application_number", "key"}
	nameColumns     = []string{"wordmark", "name"}
	categoryColumns = []string{"class_name", "class", "category"}
)

// Result is the outcome of parsing an upload: the valid targets in input
// order and one error per rejected row.
type Result struct {
	Targets []tracker.Target `json:"-"`
	Errors  tracker.RowErrors `json:"errors"`
}

// Valid returns the number of accepted rows.
func (r Result) Valid() int {
	return len(r.Targets)
}

// ParseCSV reads a CSV upload with a header row. Headers are matched
// case-insensitively; the file must carry a key column or both name and
// category columns. Empty rows are ignored. Row numbers are file lines,
// counting the header as line 1.
func ParseCSV(r io.Reader) (Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return Result{}, fmt.Errorf("%w: csv file is empty", tracker.ErrValidation)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: parse csv: %v", tracker.ErrValidation, err)
	}
	columns := indexColumns(header)
	keyIdx, hasKey := lookup(columns, keyColumns)
	nameIdx, hasName := lookup(columns, nameColumns)
	categoryIdx, hasCategory := lookup(columns, categoryColumns)
	if !hasKey && !(hasName && hasCategory) {
		return Result{}, fmt.Errorf(
			"%w: csv must contain an application_number column or both wordmark and class_name columns",
			tracker.ErrValidation)
	}

	var result Result
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				result.Errors = append(result.Errors, tracker.RowError{Row: parseErr.StartLine, Message: parseErr.Err.Error()})
				continue
			}
			return Result{}, fmt.Errorf("read csv: %w", err)
		}
		line, _ := reader.FieldPos(0)
		raw := rawRow{}
		if hasKey {
			raw.key = field(record, keyIdx)
		}
		if hasName {
			raw.name = field(record, nameIdx)
		}
		if hasCategory {
			raw.category = normalizeCategory(field(record, categoryIdx))
		}
		result.add(line, raw)
	}
	if result.Valid() == 0 && len(result.Errors) == 0 {
		return Result{}, fmt.Errorf("%w: csv file has no data rows", tracker.ErrValidation)
	}
	return result, nil
}

// ParseJSON reads either an array of row objects or an object with a
// "rows" array. Row numbers are 1-based positions in the array.
func ParseJSON(r io.Reader) (Result, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return Result{}, fmt.Errorf("read json: %w", err)
	}
	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		var wrapped struct {
			Rows []map[string]any `json:"rows"`
		}
		if wrapErr := json.Unmarshal(body, &wrapped); wrapErr != nil {
			return Result{}, fmt.Errorf("%w: invalid json: %v", tracker.ErrValidation, err)
		}
		rows = wrapped.Rows
	}
	if len(rows) == 0 {
		return Result{}, fmt.Errorf("%w: no rows supplied", tracker.ErrValidation)
	}

	var result Result
	for idx, row := range rows {
		fields := make(map[string]any, len(row))
		for k, v := range row {
			fields[strings.ToLower(strings.TrimSpace(k))] = v
		}
		result.add(idx+1, rawRow{
			key:      jsonField(fields, keyColumns),
			name:     jsonField(fields, nameColumns),
			category: normalizeCategory(jsonField(fields, categoryColumns)),
		})
	}
	return result, nil
}

type rawRow struct {
	key      string
	name     string
	category string
}

func (r rawRow) empty() bool {
	return r.key == "" && r.name == "" && r.category == ""
}

func (res *Result) add(line int, raw rawRow) {
	if raw.empty() {
		return
	}
	target := tracker.Target{Key: raw.key, Name: raw.name, Category: raw.category}
	if err := jobs.ValidateTarget(target); err != nil {
		res.Errors = append(res.Errors, tracker.RowError{
			Row:     line,
			Message: strings.TrimPrefix(err.Error(), tracker.ErrValidation.Error()+": "),
		})
		return
	}
	res.Targets = append(res.Targets, target)
}

func indexColumns(header []string) map[string]int {
	columns := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, seen := columns[name]; !seen {
			columns[name] = i
		}
	}
	return columns
}

func lookup(columns map[string]int, aliases []string) (int, bool) {
	for _, alias := range aliases {
		if idx, ok := columns[alias]; ok {
			return idx, true
		}
	}
	return 0, false
}

func field(record []string, idx int) string {
	if idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

func jsonField(fields map[string]any, aliases []string) string {
	for _, alias := range aliases {
		v, ok := fields[alias]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			return strings.TrimSpace(val)
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64)
		default:
			return strings.TrimSpace(fmt.Sprint(val))
		}
	}
	return ""
}

// normalizeCategory turns spreadsheet-style numbers such as "9.0" into "9".
// Non-numeric categories are kept as written.
func normalizeCategory(v string) string {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) {
		return v
	}
	return strconv.FormatInt(int64(f), 10)
}
