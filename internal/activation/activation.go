// Package activation decides which catalog controls apply to a deal. Each
// conditional control carries a declarative CEL predicate over the deal
// configuration; baseline controls are always active. The activated set is
// deterministic for identical input, and every catalog control appears in the
// result so downstream consumers see the full disposition.
package activation

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"mizan/internal/catalog"
	"mizan/internal/domain"
	"mizan/internal/errs"
)

// Evaluator compiles control predicates once and caches the programs.
type Evaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEvaluator builds the CEL environment for deal predicates.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(cel.Variable("deal", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("create cel environment: %w", err)
	}
	return &Evaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Activate evaluates the full catalog against one deal configuration.
// Baseline controls are evaluated first, then conditional controls per bucket
// in catalog order; this governs only the ordering of reasons for
// presentation. The activated set itself is order-independent.
func (ev *Evaluator) Activate(cfg domain.DealConfiguration, cat *catalog.Catalog, obligations []domain.Obligation) ([]domain.ActivatedControl, error) {
	if len(cfg.Regulators) == 0 {
		return nil, errs.ValidationError{Field: "regulators", Message: "at least one regulator is required"}
	}
	input := dealInput(cfg)

	disposition := map[string]domain.ActivatedControl{}
	var ordered []string

	for _, ctrl := range cat.All() {
		if !ctrl.Baseline {
			continue
		}
		disposition[ctrl.ID] = domain.ActivatedControl{
			ControlID: ctrl.ID,
			Bucket:    ctrl.Bucket,
			Activated: true,
			Reason:    fmt.Sprintf("baseline control for bucket %s", ctrl.Bucket),
		}
		ordered = append(ordered, ctrl.ID)
	}

	for _, bucket := range domain.Buckets {
		for _, ctrl := range cat.ListByBucket(bucket) {
			if ctrl.Baseline {
				continue
			}
			matched, err := ev.eval(ctrl.Predicate, input)
			if err != nil {
				return nil, errs.InvariantViolation{Message: fmt.Sprintf("control %s predicate: %v", ctrl.ID, err)}
			}
			ac := domain.ActivatedControl{ControlID: ctrl.ID, Bucket: ctrl.Bucket}
			if matched {
				ac.Activated = true
				ac.Reason = triggerReason(ctrl, cfg)
			}
			disposition[ctrl.ID] = ac
			ordered = append(ordered, ctrl.ID)
		}
	}

	// Controls demanded by a critical obligation activate even when no deal
	// predicate fires, since the obligation set is already scoped to the
	// deal's selected regulators.
	for _, ob := range obligations {
		if ob.Priority != domain.PriorityCritical {
			continue
		}
		for _, id := range ob.RelatedControls {
			ac, known := disposition[id]
			if !known || ac.Activated {
				continue
			}
			ac.Activated = true
			ac.Reason = fmt.Sprintf("regulators=%s impose critical obligation %s",
				strings.Join(ob.Applicability, ","), ob.ID)
			disposition[id] = ac
		}
	}

	out := make([]domain.ActivatedControl, 0, len(ordered))
	for _, id := range ordered {
		out = append(out, disposition[id])
	}
	return out, nil
}

// ActiveSet reduces a disposition to the set of activated control ids.
func ActiveSet(controls []domain.ActivatedControl) map[string]bool {
	set := make(map[string]bool, len(controls))
	for _, c := range controls {
		if c.Activated {
			set[c.ControlID] = true
		}
	}
	return set
}

func (ev *Evaluator) eval(expr string, input map[string]any) (bool, error) {
	ev.mu.RLock()
	prg, hit := ev.cache[expr]
	ev.mu.RUnlock()

	if !hit {
		ev.mu.Lock()
		if prg, hit = ev.cache[expr]; !hit {
			ast, issues := ev.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				ev.mu.Unlock()
				return false, fmt.Errorf("compile %q: %w", expr, issues.Err())
			}
			var err error
			prg, err = ev.env.Program(ast)
			if err != nil {
				ev.mu.Unlock()
				return false, fmt.Errorf("program %q: %w", expr, err)
			}
			ev.cache[expr] = prg
		}
		ev.mu.Unlock()
	}

	val, _, err := prg.Eval(map[string]any{"deal": input})
	if err != nil {
		return false, err
	}
	allowed, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate %q did not evaluate to bool", expr)
	}
	return allowed, nil
}

func dealInput(cfg domain.DealConfiguration) map[string]any {
	regs := append([]string(nil), cfg.Regulators...)
	sort.Strings(regs)
	return map[string]any{
		"jurisdiction":        cfg.Jurisdiction,
		"regulators":          regs,
		"product_type":        cfg.ProductType,
		"accounting_standard": cfg.AccountingStandard,
		"sustainability":      cfg.Sustainability,
		"governance_maturity": cfg.GovernanceMaturity,
		"internal_audit":      cfg.InternalAudit,
		"external_audit":      cfg.ExternalAudit,
		"counterparty_risk":   cfg.CounterpartyRisk,
		"complexity":          cfg.Complexity,
		"cross_border":        cfg.CrossBorder,
	}
}

// triggerReason names the configuration field and value that satisfied the
// predicate so the activation can be audited.
func triggerReason(ctrl domain.Control, cfg domain.DealConfiguration) string {
	value := fieldValue(ctrl.TriggerField, cfg)
	return fmt.Sprintf("%s=%s satisfied predicate %q", ctrl.TriggerField, value, ctrl.Predicate)
}

func fieldValue(field string, cfg domain.DealConfiguration) string {
	switch field {
	case "jurisdiction":
		return cfg.Jurisdiction
	case "regulators":
		regs := append([]string(nil), cfg.Regulators...)
		sort.Strings(regs)
		return strings.Join(regs, ",")
	case "product_type":
		return cfg.ProductType
	case "accounting_standard":
		return cfg.AccountingStandard
	case "sustainability":
		return cfg.Sustainability
	case "governance_maturity":
		return cfg.GovernanceMaturity
	case "internal_audit":
		return fmt.Sprintf("%t", cfg.InternalAudit)
	case "external_audit":
		return fmt.Sprintf("%t", cfg.ExternalAudit)
	case "counterparty_risk":
		return cfg.CounterpartyRisk
	case "complexity":
		return cfg.Complexity
	case "cross_border":
		return cfg.CrossBorder
	default:
		return "?"
	}
}
