// Package exam defines the core entities of the exam-name standardization
// engine: the normalized input, its extracted clinical components, the coded
// reference concepts they are matched against, and the scored match results.
package exam

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Laterality is the single-valued side component of an exam.
type Laterality string

const (
	LateralityLeft      Laterality = "left"
	LateralityRight     Laterality = "right"
	LateralityBilateral Laterality = "bilateral"
	LateralityNone      Laterality = "none"
)

// IsValid checks if the laterality value is valid.
func (l Laterality) IsValid() bool {
	switch l {
	case LateralityLeft, LateralityRight, LateralityBilateral, LateralityNone:
		return true
	default:
		return false
	}
}

// Contrast is the single-valued contrast-status component of an exam.
type Contrast string

const (
	ContrastWith        Contrast = "with"
	ContrastWithout     Contrast = "without"
	ContrastUnspecified Contrast = "unspecified"
)

// IsValid checks if the contrast value is valid.
func (c Contrast) IsValid() bool {
	switch c {
	case ContrastWith, ContrastWithout, ContrastUnspecified:
		return true
	default:
		return false
	}
}

// GenderContext marks exams that only apply to one gender.
type GenderContext string

const (
	GenderMale   GenderContext = "male"
	GenderFemale GenderContext = "female"
	GenderNone   GenderContext = "none"
)

// AgeContext marks exams with an age-specific protocol.
type AgeContext string

const (
	AgePaediatric AgeContext = "paediatric"
	AgeAdult      AgeContext = "adult"
	AgeNone       AgeContext = "none"
)

// Expansion records one substitution applied by the preprocessor, keyed by
// the raw substring it replaced.  Kept for provenance display only; matching
// operates on the expanded token stream.
type Expansion struct {
	Raw      string `json:"raw"`
	Expanded string `json:"expanded"`
}

// NormalizedInput is the canonical form of one raw exam record after
// preprocessing.  It is immutable once built; every later stage reads it and
// derives new values.
type NormalizedInput struct {
	RawText      string      `json:"raw_text"`
	ExamCode     string      `json:"exam_code,omitempty"`
	ModalityCode string      `json:"modality_code,omitempty"`
	DataSource   string      `json:"data_source,omitempty"`
	Tokens       []string    `json:"tokens"`
	Provenance   []Expansion `json:"provenance,omitempty"`
}

// Text returns the normalized token stream as a single string.
func (n *NormalizedInput) Text() string {
	return strings.Join(n.Tokens, " ")
}

// UniqueID returns the content hash identifying this input for validation
// bookkeeping.  Two records with the same raw text, exam code, modality code
// and data source always hash to the same ID.
func (n *NormalizedInput) UniqueID() string {
	return HashInput(n.RawText, n.ExamCode, n.ModalityCode, n.DataSource)
}

// HashInput computes the unique input ID from record identity fields.
func HashInput(rawText, examCode, modalityCode, dataSource string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(rawText))))
	h.Write([]byte{0})
	h.Write([]byte(examCode))
	h.Write([]byte{0})
	h.Write([]byte(modalityCode))
	h.Write([]byte{0})
	h.Write([]byte(dataSource))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// ComponentSet is the structured clinical decomposition of an exam.
// Anatomy, technique, and clinical context are order-free sets; contrast and
// laterality are single-valued.
type ComponentSet struct {
	Anatomy         []string      `json:"anatomy,omitempty"`
	Modality        string        `json:"modality,omitempty"`
	Laterality      Laterality    `json:"laterality"`
	Contrast        Contrast      `json:"contrast"`
	Technique       []string      `json:"technique,omitempty"`
	GenderContext   GenderContext `json:"gender_context"`
	AgeContext      AgeContext    `json:"age_context"`
	Pregnancy       bool          `json:"pregnancy"`
	Interventional  bool          `json:"interventional"`
	ClinicalContext []string      `json:"clinical_context,omitempty"`
}

// NewComponentSet returns a ComponentSet with every enum at its neutral value.
func NewComponentSet() ComponentSet {
	return ComponentSet{
		Laterality: LateralityNone,
		Contrast:   ContrastUnspecified,
		GenderContext: GenderNone,
		AgeContext:    AgeNone,
	}
}

// Normalize dedupes and sorts the set-valued fields so that two component
// sets with the same members compare and hash identically.
func (c *ComponentSet) Normalize() {
	c.Anatomy = normalizeSet(c.Anatomy)
	c.Technique = normalizeSet(c.Technique)
	c.ClinicalContext = normalizeSet(c.ClinicalContext)
	if c.Laterality == "" {
		c.Laterality = LateralityNone
	}
	if c.Contrast == "" {
		c.Contrast = ContrastUnspecified
	}
	if c.GenderContext == "" {
		c.GenderContext = GenderNone
	}
	if c.AgeContext == "" {
		c.AgeContext = AgeNone
	}
}

func normalizeSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// HasAnatomy reports whether term is a member of the anatomy set.
func (c *ComponentSet) HasAnatomy(term string) bool {
	return containsString(c.Anatomy, term)
}

// HasTechnique reports whether term is a member of the technique set.
func (c *ComponentSet) HasTechnique(term string) bool {
	return containsString(c.Technique, term)
}

func containsString(set []string, term string) bool {
	for _, v := range set {
		if v == term {
			return true
		}
	}
	return false
}

// ReferenceConcept is one entry of the fixed coded-terminology catalog.
// Concepts are loaded once at startup and shared read-only by all requests.
type ReferenceConcept struct {
	ConceptID          string       `json:"concept_id"`
	FullySpecifiedName string       `json:"fully_specified_name"`
	Components         ComponentSet `json:"components"`
	ComplexityScore    float64      `json:"complexity_score,omitempty"`
}

// ScoredCandidate is one catalog concept evaluated against one input.
// Created per scoring pass and discarded after the response is assembled.
type ScoredCandidate struct {
	Concept        *ReferenceConcept  `json:"concept"`
	ComponentScore float64            `json:"component_score"`
	SemanticScore  float64            `json:"semantic_score"`
	FinalScore     float64            `json:"final_score"`
	FieldScores    map[string]float64 `json:"field_scores,omitempty"`
	Blocking       bool               `json:"blocking"`
	BlockingReason string             `json:"blocking_reason,omitempty"`
}

// MatchStatus classifies the overall outcome of one match request.
type MatchStatus string

const (
	StatusSuccess       MatchStatus = "success"
	StatusLowConfidence MatchStatus = "low_confidence"
	StatusNoMatch       MatchStatus = "no_match"
	StatusError         MatchStatus = "error"
)

// MatchResult is the ranked outcome returned to the caller for one record.
// The core never persists it; persistence is a collaborator concern.
type MatchResult struct {
	Input      *NormalizedInput   `json:"input"`
	Best       *ScoredCandidate   `json:"best,omitempty"`
	Confidence float64            `json:"confidence"`
	CleanName  string             `json:"clean_name,omitempty"`
	Alternates []*ScoredCandidate `json:"alternates,omitempty"`
	Status     MatchStatus        `json:"status"`
	Error      string             `json:"error,omitempty"`
	ErrorCode  string             `json:"error_code,omitempty"`
	FromCache  bool               `json:"from_cache,omitempty"`
}

// ReprocessingHint lets a reviewer steer a re-run of a specific input.
type ReprocessingHint struct {
	ForceModality  string   `json:"force_modality,omitempty"`
	ForceTechnique []string `json:"force_technique,omitempty"`
	SkipReranker   bool     `json:"skip_reranker,omitempty"`
	Note           string   `json:"note,omitempty"`
}

// Record is one raw exam entry submitted by a collaborator for matching.
type Record struct {
	ExamName     string            `json:"exam_name"`
	ExamCode     string            `json:"exam_code,omitempty"`
	ModalityCode string            `json:"modality_code,omitempty"`
	DataSource   string            `json:"data_source,omitempty"`
	Hint         *ReprocessingHint `json:"reprocessing_hint,omitempty"`
}

// UniqueID returns the content hash identifying this record.
func (r *Record) UniqueID() string {
	return HashInput(r.ExamName, r.ExamCode, r.ModalityCode, r.DataSource)
}

// ApprovedMapping is the frozen result of a human-approved match, replayed
// verbatim on later encounters of the same input.
type ApprovedMapping struct {
	ConceptID  string  `json:"concept_id"`
	CleanName  string  `json:"clean_name"`
	Confidence float64 `json:"confidence"`
}
