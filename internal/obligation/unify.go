// Package obligation holds the per-regulator obligation feeds and the
// unification step that resolves overlapping requirements with the
// strictest-wins policy. Unification is a derived, recomputable view: running
// it twice on the same feeds yields byte-identical output.
package obligation

import (
	"fmt"
	"sort"

	"mizan/internal/domain"
	"mizan/internal/errs"
)

// Feed is one regulator's pre-extracted obligation list.
type Feed struct {
	Regulator   string              `yaml:"regulator" json:"regulator"`
	Obligations []domain.Obligation `yaml:"obligations" json:"obligations"`
}

// Unified is the canonical obligation set plus the conflict audit trail.
type Unified struct {
	Obligations []domain.Obligation `json:"obligations"`
	Conflicts   []domain.Conflict   `json:"conflicts"`
}

// ByID returns the canonical obligation for id, if present.
func (u Unified) ByID(id string) (domain.Obligation, bool) {
	for _, o := range u.Obligations {
		if o.ID == id {
			return o, true
		}
	}
	return domain.Obligation{}, false
}

// Validate rejects malformed obligations at ingestion rather than dropping
// them silently.
func validateFeed(f Feed) error {
	if f.Regulator == "" {
		return errs.ValidationError{Field: "regulator", Message: "feed missing regulator identifier"}
	}
	for i, o := range f.Obligations {
		if o.ID == "" {
			return errs.ValidationError{Field: fmt.Sprintf("%s[%d].id", f.Regulator, i), Message: "obligation missing id"}
		}
		if o.Category == "" {
			return errs.ValidationError{Field: o.ID + ".category", Message: "obligation missing category"}
		}
		if o.SimilarityKey == "" {
			return errs.ValidationError{Field: o.ID + ".similarity_key", Message: "obligation missing similarity key"}
		}
		if o.Source.Regulator != f.Regulator {
			return errs.ValidationError{Field: o.ID + ".source", Message: fmt.Sprintf("source regulator %q does not match feed %q", o.Source.Regulator, f.Regulator)}
		}
	}
	return nil
}

// Unify merges per-regulator feeds into one canonical obligation set.
//
// Obligations sharing a similarity key are unified into a single canonical
// obligation whose applicability is the union of regulators and whose
// requirement text and evidence come from the strictest source. Ties are
// broken by obligation id lexical order so the output never depends on map
// iteration order.
func Unify(feeds []Feed) (Unified, error) {
	groups := map[string][]domain.Obligation{}
	var keys []string
	for _, f := range feeds {
		if err := validateFeed(f); err != nil {
			return Unified{}, err
		}
		for _, o := range f.Obligations {
			if _, seen := groups[o.SimilarityKey]; !seen {
				keys = append(keys, o.SimilarityKey)
			}
			groups[o.SimilarityKey] = append(groups[o.SimilarityKey], o)
		}
	}
	sort.Strings(keys)

	out := Unified{}
	for _, key := range keys {
		group := groups[key]
		if len(group) == 0 {
			return Unified{}, errs.InvariantViolation{Message: fmt.Sprintf("similarity group %s is empty", key)}
		}
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })

		if len(group) == 1 {
			o := group[0]
			o.Applicability = []string{o.Source.Regulator}
			out.Obligations = append(out.Obligations, o)
			continue
		}

		winner := group[0]
		for _, candidate := range group[1:] {
			if compareStrictness(winner.Category, candidate.RequirementText, winner.RequirementText) > 0 {
				winner = candidate
			}
		}

		canonical := winner
		canonical.Applicability = regulatorUnion(group)
		out.Obligations = append(out.Obligations, canonical)

		if conflict, differs := buildConflict(key, group, winner); differs {
			out.Conflicts = append(out.Conflicts, conflict)
		}
	}

	sort.Slice(out.Obligations, func(i, j int) bool {
		a, b := out.Obligations[i], out.Obligations[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.ID < b.ID
	})
	return out, nil
}

func regulatorUnion(group []domain.Obligation) []string {
	seen := map[string]bool{}
	var regs []string
	for _, o := range group {
		if !seen[o.Source.Regulator] {
			seen[o.Source.Regulator] = true
			regs = append(regs, o.Source.Regulator)
		}
	}
	sort.Strings(regs)
	return regs
}

// buildConflict records which source won a merged group and why. Groups whose
// members state identical requirements are unified without a conflict entry.
func buildConflict(key string, group []domain.Obligation, winner domain.Obligation) (domain.Conflict, bool) {
	var ids []string
	var loserText string
	differs := false
	for _, o := range group {
		ids = append(ids, o.ID)
		if o.RequirementText != winner.RequirementText {
			differs = true
			loserText = o.RequirementText
		}
	}
	if !differs {
		return domain.Conflict{}, false
	}
	return domain.Conflict{
		SimilarityKey:       key,
		ObligationIDs:       ids,
		WinningObligationID: winner.ID,
		WinningRegulator:    winner.Source.Regulator,
		Rationale:           strictnessRationale(winner.Category, winner.RequirementText, loserText),
	}, true
}
