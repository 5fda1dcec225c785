package agreement

import "time"

// Anonymous is the null identity. It can never create, join, or act on an
// agreement.
const Anonymous = ""

// AgreementStatus is the lifecycle state of a whole agreement.
type AgreementStatus string

const (
	StatusActive    AgreementStatus = "active"
	StatusCompleted AgreementStatus = "completed"
	StatusCancelled AgreementStatus = "cancelled"
)

// MilestoneStatus tracks a milestone through its one-directional lifecycle:
// pending -> ready_for_voting|approved -> voting_active -> approved|rejected
// -> executed. Rejected and executed are terminal.
type MilestoneStatus string

const (
	MilestonePending        MilestoneStatus = "pending"
	MilestoneReadyForVoting MilestoneStatus = "ready_for_voting"
	MilestoneVotingActive   MilestoneStatus = "voting_active"
	MilestoneApproved       MilestoneStatus = "approved"
	MilestoneExecuted       MilestoneStatus = "executed"
	MilestoneRejected       MilestoneStatus = "rejected"
)

// Agreement groups documents, milestones, and participants around one escrow
// balance. The id is immutable after creation.
type Agreement struct {
	ID              string              `json:"id"`
	Title           string              `json:"title"`
	Description     string              `json:"description"`
	Creator         string              `json:"creator"`
	Participants    map[string]struct{} `json:"participants"`
	Documents       []DocumentRef       `json:"documents"`
	Milestones      []Milestone         `json:"milestones"`
	VotingThreshold int                 `json:"voting_threshold"`
	Status          AgreementStatus     `json:"status"`
	CreatedAt       time.Time           `json:"created_at"`
}

// DocumentRef tracks signature progress on one referenced document.
type DocumentRef struct {
	DocID           string   `json:"doc_id"`
	Title           string   `json:"title"`
	RequiredSigners []string `json:"required_signers"`
	CurrentSigners  []string `json:"current_signers"`
	SignedByAll     bool     `json:"signed_by_all"`
}

// Milestone is a fundable unit of work gated by a release condition and, for
// non-automatic kinds, a participant vote. Its id is unique within the
// agreement.
type Milestone struct {
	ID          uint64          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Condition   Condition       `json:"condition"`
	Recipient   string          `json:"recipient"`
	Amount      uint64          `json:"amount"`
	Status      MilestoneStatus `json:"status"`
	Votes       map[string]bool `json:"votes"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	ExecutedAt  *time.Time      `json:"executed_at,omitempty"`
}

// Event is one immutable entry in the append-only audit log. Every mutating
// operation appends exactly one.
type Event struct {
	Type        string    `json:"type"`
	AgreementID string    `json:"agreement_id"`
	MilestoneID *uint64   `json:"milestone_id,omitempty"`
	DocumentID  *string   `json:"document_id,omitempty"`
	Actor       string    `json:"actor"`
	Details     string    `json:"details"`
	Timestamp   time.Time `json:"timestamp"`
}

// VotingStatus summarises a milestone vote for read-only callers.
type VotingStatus struct {
	MilestoneID       uint64          `json:"milestone_id"`
	Status            MilestoneStatus `json:"status"`
	ApprovalVotes     int             `json:"approval_votes"`
	RejectionVotes    int             `json:"rejection_votes"`
	TotalParticipants int             `json:"total_participants"`
	RequiredVotes     int             `json:"required_votes"`
	VotingThreshold   int             `json:"voting_threshold"`
}

// isParty reports whether id is the creator or a listed participant.
func (a *Agreement) isParty(id string) bool {
	if id == Anonymous {
		return false
	}
	if a.Creator == id {
		return true
	}
	_, ok := a.Participants[id]
	return ok
}

func (a *Agreement) milestone(id uint64) *Milestone {
	for i := range a.Milestones {
		if a.Milestones[i].ID == id {
			return &a.Milestones[i]
		}
	}
	return nil
}

func (a *Agreement) document(docID string) *DocumentRef {
	for i := range a.Documents {
		if a.Documents[i].DocID == docID {
			return &a.Documents[i]
		}
	}
	return nil
}

// quorum returns the eligible voter count and the approvals required to pass.
// The creator counts once even when also listed as a participant.
func (a *Agreement) quorum() (n, required int) {
	n = len(a.Participants) + 1
	if _, ok := a.Participants[a.Creator]; ok {
		n--
	}
	required = (n*a.VotingThreshold + 99) / 100
	return n, required
}

func (m *Milestone) tally() (approvals, rejections int) {
	for _, approve := range m.Votes {
		if approve {
			approvals++
		} else {
			rejections++
		}
	}
	return approvals, rejections
}

func (d *DocumentRef) recomputeSignedByAll() {
	for _, required := range d.RequiredSigners {
		if !containsSigner(d.CurrentSigners, required) {
			d.SignedByAll = false
			return
		}
	}
	d.SignedByAll = true
}

func containsSigner(signers []string, id string) bool {
	for _, s := range signers {
		if s == id {
			return true
		}
	}
	return false
}

func (a *Agreement) clone() *Agreement {
	out := *a
	out.Participants = make(map[string]struct{}, len(a.Participants))
	for p := range a.Participants {
		out.Participants[p] = struct{}{}
	}
	out.Documents = make([]DocumentRef, len(a.Documents))
	for i, d := range a.Documents {
		d.RequiredSigners = append([]string(nil), d.RequiredSigners...)
		d.CurrentSigners = append([]string(nil), d.CurrentSigners...)
		out.Documents[i] = d
	}
	out.Milestones = make([]Milestone, len(a.Milestones))
	for i, m := range a.Milestones {
		votes := make(map[string]bool, len(m.Votes))
		for voter, approve := range m.Votes {
			votes[voter] = approve
		}
		m.Votes = votes
		if m.CompletedAt != nil {
			t := *m.CompletedAt
			m.CompletedAt = &t
		}
		if m.ExecutedAt != nil {
			t := *m.ExecutedAt
			m.ExecutedAt = &t
		}
		out.Milestones[i] = m
	}
	return &out
}
