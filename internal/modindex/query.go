package modindex

import (
	"cmp"
	"fmt"
	"math"
	"math/bits"
	"slices"
	"strings"

	"github.com/manderrow/manderrow/internal/fuzzy"
)

// Score ranks a mod against a query. Higher is better.
type Score = uint64

// MaxScore is assigned to every mod when the query is empty.
const MaxScore Score = math.MaxUint64

// ownerScoreCap bounds how much an owner match can contribute before it is
// scaled down to a tie-breaker.
const ownerScoreCap = 1 << 14

// Column is a sortable attribute.
type Column string

const (
	ColumnRelevance Column = "relevance"
	ColumnName      Column = "name"
	ColumnOwner     Column = "owner"
	ColumnDownloads Column = "downloads"
	ColumnSize      Column = "size"
)

// ParseColumn accepts a column name in any case.
func ParseColumn(s string) (Column, error) {
	c := Column(strings.ToLower(s))
	switch c {
	case ColumnRelevance, ColumnName, ColumnOwner, ColumnDownloads, ColumnSize:
		return c, nil
	}
	return "", fmt.Errorf("unknown sort column %q", s)
}

// SortOption orders results by one column.
type SortOption struct {
	Column     Column `json:"column"`
	Descending bool   `json:"descending"`
}

// Result pairs a mod with its score.
type Result struct {
	Mod   Mod
	Score Score
}

type scorer struct {
	pattern fuzzy.Pattern
}

func newScorer(query string) scorer {
	return scorer{pattern: fuzzy.Compile(query)}
}

func (s scorer) score(m Mod) Score {
	if s.pattern.Empty() {
		return MaxScore
	}
	name, ok := s.pattern.Score(m.Name())
	if !ok {
		return 0
	}
	score := name
	if owner, ok := s.pattern.Score(m.Owner()); ok {
		score = saturatingAdd(score, min(owner, ownerScoreCap)/128)
	}
	return saturatingMul(score, downloadBoost(m.TotalDownloads()))
}

func shouldInclude(score Score) bool { return score > 0 }

func downloadBoost(downloads uint64) uint64 {
	e := uint64(0)
	for downloads >= 10 {
		downloads /= 10
		e++
	}
	return max(1, e)
}

func saturatingAdd(a, b uint64) uint64 {
	s, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return s
}

func saturatingMul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

func modSize(m Mod) uint64 {
	if v, ok := m.Latest(); ok {
		return v.FileSize()
	}
	return 0
}

// Query scores every mod in snap, keeps the matches and sorts them.
func Query(snap Snapshot, query string, sort []SortOption) []Result {
	sc := newScorer(query)
	var out []Result
	snap.All(func(m Mod) bool {
		if s := sc.score(m); shouldInclude(s) {
			out = append(out, Result{Mod: m, Score: s})
		}
		return true
	})
	if len(sort) != 0 {
		slices.SortStableFunc(out, func(a, b Result) int {
			for _, opt := range sort {
				c := compareColumn(opt.Column, a, b)
				if opt.Descending {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})
	}
	return out
}

func compareColumn(col Column, a, b Result) int {
	switch col {
	case ColumnRelevance:
		return cmp.Compare(a.Score, b.Score)
	case ColumnName:
		return strings.Compare(a.Mod.Name(), b.Mod.Name())
	case ColumnOwner:
		return strings.Compare(a.Mod.Owner(), b.Mod.Owner())
	case ColumnDownloads:
		return cmp.Compare(a.Mod.TotalDownloads(), b.Mod.TotalDownloads())
	case ColumnSize:
		return cmp.Compare(modSize(a.Mod), modSize(b.Mod))
	}
	return 0
}

// Count returns how many mods Query would return for the same query.
func Count(snap Snapshot, query string) int {
	sc := newScorer(query)
	n := 0
	snap.All(func(m Mod) bool {
		if shouldInclude(sc.score(m)) {
			n++
		}
		return true
	})
	return n
}

// Get looks up mods by id. The result is parallel to ids; missing mods are
// nil.
func Get(snap Snapshot, ids []ModID) []*Mod {
	out := make([]*Mod, len(ids))
	want := make(map[ModID][]int, len(ids))
	for i, id := range ids {
		want[id] = append(want[id], i)
	}
	remaining := len(want)
	snap.All(func(m Mod) bool {
		idx, ok := want[m.ID()]
		if !ok {
			return true
		}
		for _, i := range idx {
			mm := m
			out[i] = &mm
		}
		delete(want, m.ID())
		remaining--
		return remaining > 0
	})
	return out
}
