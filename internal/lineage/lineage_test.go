package lineage_test

import (
	"errors"
	"strings"
	"testing"

	"mizan/internal/domain"
	"mizan/internal/errs"
	"mizan/internal/lineage"
)

func runArtifacts() lineage.Artifacts {
	return lineage.CollectArtifacts(
		"run-1",
		[]domain.Obligation{{ID: "QCB-SG-001"}},
		[]domain.ActivatedControl{{ControlID: "SG-01", Activated: true}, {ControlID: "SG-02"}},
		[]domain.Risk{{ID: "risk-QCB-SG-001"}},
	)
}

func validRecord() domain.TaskLineage {
	return domain.TaskLineage{
		TaskID:       "task-1",
		RunID:        "run-1",
		ObligationID: "QCB-SG-001",
		ControlID:    "SG-01",
		RiskID:       "risk-QCB-SG-001",
		PhaseID:      "publisher",
	}
}

func TestValidateAcceptsCompleteChain(t *testing.T) {
	if err := lineage.Validate(validRecord(), runArtifacts()); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}
}

func TestValidateAcceptsMissingRisk(t *testing.T) {
	rec := validRecord()
	rec.RiskID = ""
	if err := lineage.Validate(rec, runArtifacts()); err != nil {
		t.Fatalf("risk is optional: %v", err)
	}
}

func TestValidateRejectsEmptyTaskID(t *testing.T) {
	rec := validRecord()
	rec.TaskID = ""
	err := lineage.Validate(rec, runArtifacts())
	var verr errs.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestValidateRejectsCrossRunReferences(t *testing.T) {
	rec := validRecord()
	rec.RunID = "run-2"
	err := lineage.Validate(rec, runArtifacts())
	var iv errs.InvariantViolation
	if !errors.As(err, &iv) {
		t.Fatalf("expected InvariantViolation, got %v", err)
	}
	if !strings.Contains(err.Error(), "run-2") {
		t.Fatalf("message should name the offending run: %v", err)
	}
}

func TestValidateRejectsUnknownArtifacts(t *testing.T) {
	cases := map[string]func(*domain.TaskLineage){
		"unknown obligation": func(l *domain.TaskLineage) { l.ObligationID = "QFCRA-XX-999" },
		"unknown control":    func(l *domain.TaskLineage) { l.ControlID = "ZZ-01" },
		"unknown risk":       func(l *domain.TaskLineage) { l.RiskID = "risk-nowhere" },
	}
	for name, mutate := range cases {
		rec := validRecord()
		mutate(&rec)
		err := lineage.Validate(rec, runArtifacts())
		var iv errs.InvariantViolation
		if !errors.As(err, &iv) {
			t.Errorf("%s: expected InvariantViolation, got %v", name, err)
		}
	}
}
