package agreement

import (
	"encoding/json"
	"fmt"
	"time"
)

// ReleaseCondition gates when a milestone may leave pending. The set of kinds
// is closed; conditionMet switches over it exhaustively.
type ReleaseCondition interface {
	conditionKind() string
}

// DocumentSignature releases once the referenced document is signed by every
// required signer. Milestones gated only by this kind skip the vote.
type DocumentSignature struct {
	DocID string `json:"doc_id"`
}

// TimeRelease releases once the wall clock reaches ReleaseAt.
type TimeRelease struct {
	ReleaseAt time.Time `json:"release_at"`
}

// MultiCondition releases once every listed document is fully signed and the
// optional minimum time has passed.
type MultiCondition struct {
	DocIDs       []string   `json:"doc_ids"`
	MinTime      *time.Time `json:"min_time,omitempty"`
	RequiresVote bool       `json:"requires_vote"`
}

// ManualApproval has no automatic gate; the participant vote alone decides.
type ManualApproval struct{}

func (DocumentSignature) conditionKind() string { return "document_signature" }
func (TimeRelease) conditionKind() string       { return "time_release" }
func (MultiCondition) conditionKind() string    { return "multi_condition" }
func (ManualApproval) conditionKind() string    { return "manual_approval" }

// Condition wraps a ReleaseCondition with a tagged JSON encoding so milestones
// survive the durable store round trip.
type Condition struct {
	ReleaseCondition
}

type conditionEnvelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

func (c Condition) MarshalJSON() ([]byte, error) {
	if c.ReleaseCondition == nil {
		return nil, fmt.Errorf("agreement: milestone condition missing")
	}
	body, err := json.Marshal(c.ReleaseCondition)
	if err != nil {
		return nil, err
	}
	return json.Marshal(conditionEnvelope{Kind: c.ReleaseCondition.conditionKind(), Body: body})
}

func (c *Condition) UnmarshalJSON(data []byte) error {
	var env conditionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	switch env.Kind {
	case DocumentSignature{}.conditionKind():
		var v DocumentSignature
		if err := json.Unmarshal(env.Body, &v); err != nil {
			return err
		}
		c.ReleaseCondition = v
	case TimeRelease{}.conditionKind():
		var v TimeRelease
		if err := json.Unmarshal(env.Body, &v); err != nil {
			return err
		}
		c.ReleaseCondition = v
	case MultiCondition{}.conditionKind():
		var v MultiCondition
		if err := json.Unmarshal(env.Body, &v); err != nil {
			return err
		}
		c.ReleaseCondition = v
	case ManualApproval{}.conditionKind():
		c.ReleaseCondition = ManualApproval{}
	default:
		return fmt.Errorf("agreement: unknown condition kind %q", env.Kind)
	}
	return nil
}

// conditionMet reports whether the release condition currently holds for the
// agreement snapshot. Pure: reads document signature state and the provided
// clock, writes nothing.
func conditionMet(a *Agreement, cond Condition, now time.Time) bool {
	switch v := cond.ReleaseCondition.(type) {
	case DocumentSignature:
		return documentSigned(a, v.DocID)
	case TimeRelease:
		return !now.Before(v.ReleaseAt)
	case MultiCondition:
		for _, docID := range v.DocIDs {
			if !documentSigned(a, docID) {
				return false
			}
		}
		if v.MinTime != nil && now.Before(*v.MinTime) {
			return false
		}
		return true
	case ManualApproval:
		return true
	default:
		return false
	}
}

// skipsVote reports whether a satisfied condition releases funds without a
// vote. Only pure document-signature milestones do.
func skipsVote(cond Condition) bool {
	_, ok := cond.ReleaseCondition.(DocumentSignature)
	return ok
}

// promoteSatisfied moves a milestone whose release condition holds out of
// pending: straight to approved when the condition kind skips the vote,
// otherwise to ready_for_voting. Every promotion site uses this so the
// resulting state never depends on when the condition became true.
func promoteSatisfied(m *Milestone) {
	if skipsVote(m.Condition) {
		m.Status = MilestoneApproved
	} else {
		m.Status = MilestoneReadyForVoting
	}
}

func documentSigned(a *Agreement, docID string) bool {
	if doc := a.document(docID); doc != nil {
		return doc.SignedByAll
	}
	return false
}
