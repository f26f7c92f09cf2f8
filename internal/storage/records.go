package storage

import (
	"sort"
	"strings"

	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

// Paging defaults and limits shared by every record store.
const (
	DefaultPageSize = 50
	MaxPageSize     = 1000
)

// NormalizeFilter trims filter fields and clamps paging to sane bounds.
func NormalizeFilter(f tracker.RecordFilter) tracker.RecordFilter {
	f.Key = strings.TrimSpace(f.Key)
	f.Name = strings.TrimSpace(f.Name)
	f.Category = strings.TrimSpace(f.Category)
	f.Status = strings.TrimSpace(f.Status)
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

// Matches reports whether s passes every non-empty filter field as a
// case-insensitive substring.
func Matches(f tracker.RecordFilter, s tracker.Snapshot) bool {
	return contains(s.Key, f.Key) &&
		contains(s.Name, f.Name) &&
		contains(s.Category, f.Category) &&
		contains(s.Status, f.Status)
}

// Paginate filters current records and slices out the requested page.
func Paginate(current []tracker.Snapshot, f tracker.RecordFilter) tracker.RecordPage {
	f = NormalizeFilter(f)
	matched := make([]tracker.Snapshot, 0, len(current))
	for _, s := range current {
		if Matches(f, s) {
			matched = append(matched, s)
		}
	}
	page := tracker.RecordPage{
		Records:  []tracker.Snapshot{},
		Total:    len(matched),
		Page:     f.Page,
		PageSize: f.PageSize,
	}
	start := (f.Page - 1) * f.PageSize
	if start >= len(matched) {
		return page
	}
	end := start + f.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	page.Records = append(page.Records, matched[start:end]...)
	return page
}

// LatestPerKey reduces snapshots to the newest per key, newest first.
func LatestPerKey(snapshots []tracker.Snapshot) []tracker.Snapshot {
	latest := make(map[string]tracker.Snapshot, len(snapshots))
	for _, s := range snapshots {
		if cur, ok := latest[s.Key]; !ok || s.Timestamp.After(cur.Timestamp) {
			latest[s.Key] = s
		}
	}
	out := make([]tracker.Snapshot, 0, len(latest))
	for _, s := range latest {
		out = append(out, s)
	}
	SortSnapshots(out)
	return out
}

// SortSnapshots orders snapshots newest first, breaking ties by key.
func SortSnapshots(snapshots []tracker.Snapshot) {
	sort.SliceStable(snapshots, func(i, j int) bool {
		if !snapshots[i].Timestamp.Equal(snapshots[j].Timestamp) {
			return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
		}
		return snapshots[i].Key < snapshots[j].Key
	})
}

// MergeHistory interleaves snapshots and failures newest first. Failures
// carry tracker.FailedStatus as their status.
func MergeHistory(snapshots []tracker.Snapshot, failures []tracker.FailureRecord) []tracker.HistoryEntry {
	out := make([]tracker.HistoryEntry, 0, len(snapshots)+len(failures))
	for _, s := range snapshots {
		out = append(out, tracker.HistoryEntry{
			Key:       s.Key,
			Name:      s.Name,
			Category:  s.Category,
			Status:    s.Status,
			Timestamp: s.Timestamp,
		})
	}
	for _, f := range failures {
		out = append(out, tracker.HistoryEntry{
			Key:       f.Key,
			Name:      f.Name,
			Category:  f.Category,
			Status:    tracker.FailedStatus,
			Reason:    f.Reason,
			Timestamp: f.Timestamp,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Tracked builds the refresh candidate list from the newest snapshot per
// key and the newest failure per key, preferring snapshot name and
// category when both exist. Output is sorted by key.
func Tracked(latest []tracker.Snapshot, failures []tracker.FailureRecord) []tracker.Target {
	targets := make(map[string]tracker.Target)
	failedAt := make(map[string]tracker.FailureRecord)
	for _, f := range failures {
		if f.Key == "" {
			continue
		}
		if cur, ok := failedAt[f.Key]; !ok || !f.Timestamp.Before(cur.Timestamp) {
			if f.Name == "" {
				f.Name = cur.Name
			}
			if f.Category == "" {
				f.Category = cur.Category
			}
			failedAt[f.Key] = f
		}
	}
	for key, f := range failedAt {
		targets[key] = tracker.Target{Key: key, Name: f.Name, Category: f.Category}
	}
	for _, s := range latest {
		targets[s.Key] = tracker.Target{
			Key:      s.Key,
			Name:     coalesce(s.Name, targets[s.Key].Name),
			Category: coalesce(s.Category, targets[s.Key].Category),
		}
	}
	out := make([]tracker.Target, 0, len(targets))
	for _, t := range targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// MatchesTarget reports whether s is a snapshot of target.
func MatchesTarget(s tracker.Snapshot, target tracker.Target) bool {
	if target.ByKey() {
		return s.Key == strings.TrimSpace(target.Key)
	}
	return strings.EqualFold(s.Name, strings.TrimSpace(target.Name)) &&
		strings.EqualFold(s.Category, strings.TrimSpace(target.Category))
}

func contains(value, needle string) bool {
	if needle == "" {
		return true
	}
	return strings.Contains(strings.ToLower(value), strings.ToLower(needle))
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
