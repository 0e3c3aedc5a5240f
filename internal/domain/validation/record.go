// Package validation implements the human review workflow around match
// results: the per-input validation record, its state machine, the
// validation-by-exception batch finalization, and the approved/failed
// snapshot the matching pipeline consults before doing any work.
package validation

import (
	"time"

	"github.com/openradx/exammatch/internal/domain/exam"
	apperrors "github.com/openradx/exammatch/pkg/errors"
)

// Status is the review state of one unique input.
type Status string

const (
	// StatusPending awaits a reviewer.  The engine's proposal is attached.
	StatusPending Status = "pending"
	// StatusApproved mappings are replayed verbatim on re-encounter.
	StatusApproved Status = "approved"
	// StatusFailed inputs are excluded from matching until reopened.
	StatusFailed Status = "failed"
)

// IsValid checks if the status value is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusFailed:
		return true
	default:
		return false
	}
}

// Action is one reviewer decision on a pending record.
type Action string

const (
	// ActionApprove accepts the engine's proposal as-is.
	ActionApprove Action = "approve"
	// ActionReject marks the input as failed validation.
	ActionReject Action = "reject"
	// ActionCorrect approves with a reviewer-chosen concept instead of the
	// engine's proposal.
	ActionCorrect Action = "correct"
	// ActionReopen returns a decided record to pending, optionally with a
	// reprocessing hint for the next engine run.
	ActionReopen Action = "reopen"
	// ActionDefer holds a pending record for a later review round.  A
	// deferred record survives review finalization un-approved.
	ActionDefer Action = "defer"
)

// IsValid checks if the action value is valid.
func (a Action) IsValid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionCorrect, ActionReopen, ActionDefer:
		return true
	default:
		return false
	}
}

// Decision is a reviewer's verdict on one unique input.
type Decision struct {
	UniqueInputID string                 `json:"unique_input_id"`
	Action        Action                 `json:"action"`
	ConceptID     string                 `json:"concept_id,omitempty"` // required for correct
	CleanName     string                 `json:"clean_name,omitempty"`
	Note          string                 `json:"note,omitempty"`
	Reviewer      string                 `json:"reviewer,omitempty"`
	Hint          *exam.ReprocessingHint `json:"hint,omitempty"`
}

// Event is one applied transition, kept so the full review history of an
// input survives later decisions.
type Event struct {
	Action    Action    `json:"action"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	ConceptID string    `json:"concept_id,omitempty"`
	Note      string    `json:"note,omitempty"`
	Reviewer  string    `json:"reviewer,omitempty"`
	At        time.Time `json:"at"`
}

// Record is the validation state of one unique input together with the
// engine proposal under review.
type Record struct {
	UniqueInputID string  `json:"unique_input_id"`
	RawText       string  `json:"raw_text"`
	ExamCode      string  `json:"exam_code,omitempty"`
	ModalityCode  string  `json:"modality_code,omitempty"`
	DataSource    string  `json:"data_source,omitempty"`
	ConceptID     string  `json:"concept_id,omitempty"`
	CleanName     string  `json:"clean_name,omitempty"`
	Confidence    float64 `json:"confidence"`
	Status        Status  `json:"status"`
	Hint          *exam.ReprocessingHint `json:"hint,omitempty"`
	History       []Event   `json:"history,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewRecord creates a pending record from an engine result.
func NewRecord(in *exam.NormalizedInput, result *exam.MatchResult, now time.Time) *Record {
	r := &Record{
		UniqueInputID: in.UniqueID(),
		RawText:       in.RawText,
		ExamCode:      in.ExamCode,
		ModalityCode:  in.ModalityCode,
		DataSource:    in.DataSource,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if result != nil && result.Best != nil {
		r.ConceptID = result.Best.Concept.ConceptID
		r.CleanName = result.Best.Concept.FullySpecifiedName
		r.Confidence = result.Confidence
	}
	return r
}

// Apply transitions the record according to a reviewer decision.  Allowed
// transitions:
//
//	pending  -> approved   (approve, correct)
//	pending  -> failed     (reject)
//	pending  -> pending    (defer; holds the record across finalization)
//	approved -> failed     (reject; revokes a prior approval)
//	approved -> approved   (correct; replaces the approved concept)
//	failed   -> pending    (reopen)
//	approved -> pending    (reopen)
//
// Anything else is an invalid transition.  Concurrent reviewers are
// serialized by the store; the last applied decision wins and every applied
// decision stays in the history.
func (r *Record) Apply(d Decision, now time.Time) error {
	if !d.Action.IsValid() {
		return apperrors.Newf(apperrors.ErrCodeDecisionActionUnknown, "unknown decision action %q", d.Action)
	}

	var to Status
	switch d.Action {
	case ActionApprove:
		if r.Status != StatusPending {
			return r.transitionError(d.Action)
		}
		if r.ConceptID == "" {
			return apperrors.Newf(apperrors.ErrCodeInvalidTransition,
				"cannot approve %s: no proposed concept", r.UniqueInputID)
		}
		to = StatusApproved
	case ActionCorrect:
		if r.Status != StatusPending && r.Status != StatusApproved {
			return r.transitionError(d.Action)
		}
		if d.ConceptID == "" {
			return apperrors.New(apperrors.ErrCodeInvalidTransition, "correct requires a concept_id")
		}
		r.ConceptID = d.ConceptID
		if d.CleanName != "" {
			r.CleanName = d.CleanName
		}
		// A human picked the concept; replay it with full confidence.
		r.Confidence = 1.0
		to = StatusApproved
	case ActionReject:
		if r.Status != StatusPending && r.Status != StatusApproved {
			return r.transitionError(d.Action)
		}
		to = StatusFailed
	case ActionReopen:
		if r.Status != StatusApproved && r.Status != StatusFailed {
			return r.transitionError(d.Action)
		}
		r.Hint = d.Hint
		to = StatusPending
	case ActionDefer:
		if r.Status != StatusPending {
			return r.transitionError(d.Action)
		}
		if d.Hint != nil {
			r.Hint = d.Hint
		}
		to = StatusPending
	}

	r.History = append(r.History, Event{
		Action:    d.Action,
		From:      r.Status,
		To:        to,
		ConceptID: r.ConceptID,
		Note:      d.Note,
		Reviewer:  d.Reviewer,
		At:        now,
	})
	r.Status = to
	r.UpdatedAt = now
	return nil
}

func (r *Record) transitionError(a Action) error {
	return apperrors.Newf(apperrors.ErrCodeInvalidTransition,
		"cannot %s record %s in status %s", a, r.UniqueInputID, r.Status)
}

// Deferred reports whether the record is held for a later review round.  A
// deferral stands until the next decision on the record; any later
// transition supersedes it.
func (r *Record) Deferred() bool {
	n := len(r.History)
	return n > 0 && r.History[n-1].Action == ActionDefer
}

// Mapping returns the approved mapping of the record.
func (r *Record) Mapping() exam.ApprovedMapping {
	return exam.ApprovedMapping{
		ConceptID:  r.ConceptID,
		CleanName:  r.CleanName,
		Confidence: r.Confidence,
	}
}
