// Package riskmap derives the per-run risk set from unified obligations and
// the deal configuration. Risks exist only within a pipeline run.
package riskmap

import (
	"fmt"

	"mizan/internal/domain"
	"mizan/internal/errs"
)

// MapRisks derives zero or one risk per critical/high obligation. Likelihood
// and impact come from deal signals; the mitigation reference is the
// obligation's first related control, to be validated against the run's
// activated set before the control-design step completes.
func MapRisks(obligations []domain.Obligation, cfg domain.DealConfiguration) []domain.Risk {
	var risks []domain.Risk
	for _, ob := range obligations {
		if ob.Priority != domain.PriorityCritical && ob.Priority != domain.PriorityHigh {
			continue
		}
		risk := domain.Risk{
			ID:           "risk-" + ob.ID,
			Title:        fmt.Sprintf("Non-compliance: %s", ob.Title),
			Description:  fmt.Sprintf("Failure to satisfy %s (%s %s)", ob.Title, ob.Source.Document, ob.Source.Section),
			Likelihood:   likelihood(ob, cfg),
			Impact:       impact(ob),
			ObligationID: ob.ID,
		}
		if len(ob.RelatedControls) > 0 {
			risk.MitigationControlID = ob.RelatedControls[0]
		}
		risks = append(risks, risk)
	}
	return risks
}

// ValidateMitigations rejects any risk whose mitigation reference is not in
// the run's activated control set.
func ValidateMitigations(risks []domain.Risk, activated map[string]bool) error {
	for _, r := range risks {
		if r.MitigationControlID == "" {
			continue
		}
		if !activated[r.MitigationControlID] {
			return errs.DanglingReferenceError{Kind: "risk", RefID: r.ID, ControlID: r.MitigationControlID}
		}
	}
	return nil
}

func likelihood(ob domain.Obligation, cfg domain.DealConfiguration) string {
	// Counterparty risk raises the likelihood of credit-related exposure;
	// complex structures raise everything else.
	if ob.Category == "capital-adequacy" || ob.Category == "aml-kyc" {
		return cfg.CounterpartyRisk
	}
	if cfg.Complexity == "complex" {
		return "high"
	}
	if cfg.Complexity == "moderate" {
		return "medium"
	}
	return "low"
}

func impact(ob domain.Obligation) string {
	switch ob.Priority {
	case domain.PriorityCritical:
		return "high"
	case domain.PriorityHigh:
		return "medium"
	default:
		return "low"
	}
}
