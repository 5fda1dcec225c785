package agreement

import (
	"encoding/json"
	"testing"
	"time"
)

func docAgreement(signed bool) *Agreement {
	return &Agreement{
		Documents: []DocumentRef{
			{DocID: "doc-1", SignedByAll: signed},
			{DocID: "doc-2", SignedByAll: true},
		},
	}
}

func TestConditionMet(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		a    *Agreement
		cond ReleaseCondition
		want bool
	}{
		{"manual approval", docAgreement(false), ManualApproval{}, true},
		{"document signed", docAgreement(true), DocumentSignature{DocID: "doc-1"}, true},
		{"document unsigned", docAgreement(false), DocumentSignature{DocID: "doc-1"}, false},
		{"document missing", docAgreement(true), DocumentSignature{DocID: "missing"}, false},
		{"time release reached", docAgreement(false), TimeRelease{ReleaseAt: past}, true},
		{"time release boundary", docAgreement(false), TimeRelease{ReleaseAt: now}, true},
		{"time release future", docAgreement(false), TimeRelease{ReleaseAt: future}, false},
		{"multi all signed", docAgreement(true), MultiCondition{DocIDs: []string{"doc-1", "doc-2"}}, true},
		{"multi one unsigned", docAgreement(false), MultiCondition{DocIDs: []string{"doc-1", "doc-2"}}, false},
		{"multi min time pending", docAgreement(true), MultiCondition{DocIDs: []string{"doc-1"}, MinTime: &future}, false},
		{"multi min time passed", docAgreement(true), MultiCondition{DocIDs: []string{"doc-1"}, MinTime: &past}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := conditionMet(tt.a, Condition{ReleaseCondition: tt.cond}, now)
			if got != tt.want {
				t.Fatalf("conditionMet = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConditionJSONEnvelope(t *testing.T) {
	minTime := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	original := Condition{ReleaseCondition: MultiCondition{
		DocIDs:       []string{"doc-1", "doc-2"},
		MinTime:      &minTime,
		RequiresVote: true,
	}}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Condition
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	mc, ok := decoded.ReleaseCondition.(MultiCondition)
	if !ok {
		t.Fatalf("expected MultiCondition, got %T", decoded.ReleaseCondition)
	}
	if len(mc.DocIDs) != 2 || !mc.RequiresVote || mc.MinTime == nil || !mc.MinTime.Equal(minTime) {
		t.Fatalf("round trip lost fields: %+v", mc)
	}

	var bad Condition
	if err := json.Unmarshal([]byte(`{"kind":"coin_flip"}`), &bad); err == nil {
		t.Fatal("expected error for unknown condition kind")
	}
}

func TestSkipsVote(t *testing.T) {
	if !skipsVote(Condition{ReleaseCondition: DocumentSignature{DocID: "doc-1"}}) {
		t.Fatal("document-signature milestones skip the vote")
	}
	if skipsVote(Condition{ReleaseCondition: MultiCondition{DocIDs: []string{"doc-1"}}}) {
		t.Fatal("multi-condition milestones still require a vote")
	}
	if skipsVote(Condition{ReleaseCondition: ManualApproval{}}) {
		t.Fatal("manual-approval milestones still require a vote")
	}
}
