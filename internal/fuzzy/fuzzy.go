// Package fuzzy scores how well a short pattern matches a candidate string.
//
// The scorer walks the candidate once looking for the pattern as a
// subsequence and rewards runs of consecutive matches, matches at word
// boundaries and a match on the very first character.
package fuzzy

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const (
	scoreMatch       = 16
	bonusConsecutive = 32
	bonusBoundary    = 24
	bonusFirst       = 48
	penaltyGap       = 3
)

// Fold normalises s for matching: NFC composition followed by Unicode case
// folding. Casers are stateful, so one is made per call.
func Fold(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}

// Pattern is a pre-folded query.
type Pattern struct {
	runes []rune
}

// Compile folds the query once so it can be matched against many candidates.
func Compile(query string) Pattern {
	q := Fold(strings.TrimSpace(query))
	runes := make([]rune, 0, utf8.RuneCountInString(q))
	for _, r := range q {
		if unicode.IsSpace(r) {
			continue
		}
		runes = append(runes, r)
	}
	return Pattern{runes: runes}
}

// Empty reports whether the pattern has no characters.
func (p Pattern) Empty() bool { return len(p.runes) == 0 }

// Score returns the match score of p against candidate and whether every
// pattern character was found in order.
func (p Pattern) Score(candidate string) (uint64, bool) {
	if p.Empty() {
		return 0, true
	}

	var (
		score    int64
		pi       int
		prev     rune
		lastHit  = -2
		pos      int
		gapStart = -1
		buf      [4]rune
	)
	for _, orig := range norm.NFC.String(candidate) {
		boundary := pos > 0 && isBoundary(prev, orig)
		for i, r := range foldRune(orig, buf[:0]) {
			if pi < len(p.runes) && r == p.runes[pi] {
				score += scoreMatch
				switch {
				case pos == 0:
					score += bonusFirst
				case lastHit == pos-1:
					score += bonusConsecutive
				case boundary && i == 0:
					score += bonusBoundary
				}
				if gapStart >= 0 {
					score -= int64(pos-gapStart) * penaltyGap
					gapStart = -1
				}
				lastHit = pos
				pi++
			} else if pi > 0 && pi < len(p.runes) && gapStart < 0 {
				gapStart = pos
			}
			pos++
		}
		prev = orig
	}
	if pi < len(p.runes) {
		return 0, false
	}
	if score < 1 {
		score = 1
	}
	return uint64(score), true
}

func foldRune(r rune, dst []rune) []rune {
	if r < utf8.RuneSelf {
		return append(dst, unicode.ToLower(r))
	}
	for _, f := range cases.Fold().String(string(r)) {
		dst = append(dst, f)
	}
	return dst
}

func isBoundary(prev, cur rune) bool {
	switch {
	case prev == '_' || prev == '-' || prev == '.' || prev == ' ' || prev == '/':
		return true
	case unicode.IsLower(prev) && unicode.IsUpper(cur):
		return true
	case unicode.IsLetter(prev) && unicode.IsDigit(cur):
		return true
	}
	return false
}
