package obligation

import (
	"regexp"
	"strconv"
	"strings"
)

// Strictness comparison is per category: numeric minimums compare
// numerically, cadences by frequency, deadlines by how soon they fall due.
// Each category declares which dimensions matter and in what order; there is
// deliberately no single universal ordering.

type dimension int

const (
	dimMinimumCount dimension = iota
	dimCadence
	dimDeadline
)

var categoryProfiles = map[string][]dimension{
	"shariah-governance": {dimMinimumCount, dimCadence},
	"reporting":          {dimCadence, dimDeadline},
	"disclosure":         {dimCadence, dimMinimumCount},
	"aml-kyc":            {dimDeadline, dimMinimumCount},
	"capital-adequacy":   {dimMinimumCount, dimDeadline},
}

var defaultProfile = []dimension{dimMinimumCount, dimCadence, dimDeadline}

var (
	minCountRe = regexp.MustCompile(`(?i)\b(?:minimum|at least)\s+(\d+)`)
	deadlineRe = regexp.MustCompile(`(?i)\bwithin\s+(\d+)\s+(?:business\s+)?days?\b`)
)

var cadenceRanks = []struct {
	word string
	rank int
}{
	{"daily", 6},
	{"weekly", 5},
	{"monthly", 4},
	{"quarterly", 3},
	{"semi-annual", 2},
	{"semiannual", 2},
	{"annual", 1},
	{"yearly", 1},
}

type measure struct {
	minCount     int
	cadenceRank  int
	deadlineDays int // 0 means no deadline stated
}

func measureText(text string) measure {
	m := measure{}
	lowered := strings.ToLower(text)
	if g := minCountRe.FindStringSubmatch(text); g != nil {
		m.minCount, _ = strconv.Atoi(g[1])
	}
	for _, c := range cadenceRanks {
		if strings.Contains(lowered, c.word) {
			m.cadenceRank = c.rank
			break
		}
	}
	if g := deadlineRe.FindStringSubmatch(text); g != nil {
		m.deadlineDays, _ = strconv.Atoi(g[1])
	}
	return m
}

// compareStrictness reports >0 if a is stricter than b for the category,
// <0 if b is stricter, 0 if the dimensions cannot separate them.
func compareStrictness(category, a, b string) int {
	profile, ok := categoryProfiles[category]
	if !ok {
		profile = defaultProfile
	}
	ma, mb := measureText(a), measureText(b)
	for _, dim := range profile {
		switch dim {
		case dimMinimumCount:
			if ma.minCount != mb.minCount {
				return ma.minCount - mb.minCount
			}
		case dimCadence:
			if ma.cadenceRank != mb.cadenceRank {
				return ma.cadenceRank - mb.cadenceRank
			}
		case dimDeadline:
			// A stated earlier deadline is stricter; no deadline is least strict.
			if ma.deadlineDays != mb.deadlineDays {
				if ma.deadlineDays == 0 {
					return -1
				}
				if mb.deadlineDays == 0 {
					return 1
				}
				return mb.deadlineDays - ma.deadlineDays
			}
		}
	}
	return 0
}

// strictnessRationale names the dimension that decided a comparison.
func strictnessRationale(category, winner, loser string) string {
	profile, ok := categoryProfiles[category]
	if !ok {
		profile = defaultProfile
	}
	mw, ml := measureText(winner), measureText(loser)
	for _, dim := range profile {
		switch dim {
		case dimMinimumCount:
			if mw.minCount != ml.minCount {
				return "strictest requirement wins: larger minimum count"
			}
		case dimCadence:
			if mw.cadenceRank != ml.cadenceRank {
				return "strictest requirement wins: more frequent cadence"
			}
		case dimDeadline:
			if mw.deadlineDays != ml.deadlineDays {
				return "strictest requirement wins: earlier deadline"
			}
		}
	}
	return "strictest requirement wins"
}
