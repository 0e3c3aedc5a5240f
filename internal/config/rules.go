// Package config defines all configuration structures for the exammatch
// engine: infrastructure settings and the declarative matching-rule document.
// No I/O or parsing logic lives here, only plain data types and validation.
package config

import (
	"fmt"
)

// ─────────────────────────────────────────────────────────────────────────────
// Matching rules: the declarative scoring document
//
// Nearly all scoring behaviour is data, not code.  Tuning a weight, adding an
// abbreviation, or blocking an anatomical pair is a config change; the scorer
// never hard-codes a clinical constant.
// ─────────────────────────────────────────────────────────────────────────────

// AnatomyEntry maps a canonical anatomy term to its accepted synonyms.
type AnatomyEntry struct {
	Canonical string   `mapstructure:"canonical"`
	Synonyms  []string `mapstructure:"synonyms"`
	Region    string   `mapstructure:"region"`
}

// ComponentWeights holds the per-field weights for the component score.
// They are designed to sum to 1.0 but are not required to.
type ComponentWeights struct {
	Modality   float64 `mapstructure:"modality"`
	Anatomy    float64 `mapstructure:"anatomy"`
	Contrast   float64 `mapstructure:"contrast"`
	Laterality float64 `mapstructure:"laterality"`
	Technique  float64 `mapstructure:"technique"`
}

// FinalWeights blends the component score with the semantic similarity signal.
type FinalWeights struct {
	Component float64 `mapstructure:"component"`
	Reranker  float64 `mapstructure:"reranker"`
}

// MinimumThresholds gates candidates whose per-field or combined component
// score falls below the configured floors.  The gate runs before any semantic
// blending so a high embedding similarity can never override a clear
// structural mismatch.
type MinimumThresholds struct {
	Enable      bool    `mapstructure:"enable"`
	AnatomyMin  float64 `mapstructure:"anatomy_min"`
	ModalityMin float64 `mapstructure:"modality_min"`
	ContrastMin float64 `mapstructure:"contrast_min"`
	LateralityMin float64 `mapstructure:"laterality_min"`
	TechniqueMin float64 `mapstructure:"technique_min"`
	CombinedMin float64 `mapstructure:"combined_min"`
}

// ContrastScoring holds the contrast sub-score knobs.
type ContrastScoring struct {
	// NullScore applies when exactly one side is unspecified.
	NullScore float64 `mapstructure:"null_score"`
	// MismatchScore applies when the sides are explicitly opposite.  Near-zero
	// rather than zero: a true contrast mismatch is almost never acceptable.
	MismatchScore float64 `mapstructure:"mismatch_score"`
	// PreferNoContrastWhenUnspecified grants NoContrastPreferenceBonus to an
	// explicitly "without contrast" candidate when the input is unspecified.
	PreferNoContrastWhenUnspecified bool    `mapstructure:"prefer_no_contrast_when_unspecified"`
	NoContrastPreferenceBonus       float64 `mapstructure:"no_contrast_preference_bonus"`
}

// LateralityScoring holds the laterality sub-score knobs.
type LateralityScoring struct {
	// BilateralPartialScore is credited when one side is bilateral and the
	// other names a single side.  A bilateral study covers either single-side
	// query, so partial credit rather than a hard mismatch.
	BilateralPartialScore float64 `mapstructure:"bilateral_partial_score"`
	// UnspecifiedScore applies when exactly one side carries no laterality.
	UnspecifiedScore float64 `mapstructure:"unspecified_score"`
}

// ScoringBonuses are additive adjustments applied after the threshold gate.
type ScoringBonuses struct {
	ExactNameMatch           float64 `mapstructure:"exact_name_match"`
	SynonymMatch             float64 `mapstructure:"synonym_match"`
	InterventionalAgreement  float64 `mapstructure:"interventional_agreement"`
	InterventionalDisagreementPenalty float64 `mapstructure:"interventional_disagreement_penalty"`
	ContextMatch             float64 `mapstructure:"context_match"`
	ContextMismatchPenalty   float64 `mapstructure:"context_mismatch_penalty"`
}

// ClinicalSpecificityScoring rewards clinically meaningful extra candidate
// terms and penalizes administrative filler.
type ClinicalSpecificityScoring struct {
	Enable            bool     `mapstructure:"enable"`
	DetailWordBonus   float64  `mapstructure:"detail_word_bonus"`
	FillerWordPenalty float64  `mapstructure:"filler_word_penalty"`
	// PreferGenericAnatomyBonus nudges ranking toward the less specific
	// candidate when the input itself is generic.
	PreferGenericAnatomyBonus float64 `mapstructure:"prefer_generic_anatomy_bonus"`
	// MaxAdjustment caps the net specificity adjustment in both directions.
	// Zero disables the cap.
	MaxAdjustment float64  `mapstructure:"max_adjustment"`
	DetailWords   []string `mapstructure:"detail_words"`
	FillerWords   []string `mapstructure:"filler_words"`
}

// AnatomicalCompatibilityConstraints lists anatomy pairs that can never map
// onto each other.  Matching a pair forces a large negative score.
type AnatomicalCompatibilityConstraints struct {
	Enable  bool        `mapstructure:"enable"`
	Penalty float64     `mapstructure:"penalty"`
	IncompatiblePairs [][]string `mapstructure:"incompatible_pairs"`
}

// HybridModalityConstraints blocks cross-contamination between hybrid
// modalities (a PET/CT candidate can never serve a PET/MRI input).
type HybridModalityConstraints struct {
	Enable  bool     `mapstructure:"enable"`
	Penalty float64  `mapstructure:"penalty"`
	HybridModalities []string `mapstructure:"hybrid_modalities"`
}

// DiagnosticProtection blocks mapping a clearly diagnostic/routine input onto
// an interventional candidate.
type DiagnosticProtection struct {
	Enable  bool    `mapstructure:"enable"`
	Penalty float64 `mapstructure:"penalty"`
	DiagnosticIndicators    []string `mapstructure:"diagnostic_indicators"`
	InterventionalIndicators []string `mapstructure:"interventional_indicators"`
}

// VesselTypePreference steers generic angiography inputs toward arterial
// candidates over venous by a configured margin.
type VesselTypePreference struct {
	Enable        bool     `mapstructure:"enable"`
	ArterialBonus float64  `mapstructure:"arterial_bonus"`
	VenousPenalty float64  `mapstructure:"venous_penalty"`
	GenericAngiographyTerms []string `mapstructure:"generic_angiography_terms"`
	ArterialTerms []string `mapstructure:"arterial_terms"`
	VenousTerms   []string `mapstructure:"venous_terms"`
}

// BiopsyModalityPreferences is a soft organ→modality preference table for
// biopsy exams (e.g., lung biopsy prefers CT over fluoroscopy).
type BiopsyModalityPreferences struct {
	Enable      bool                          `mapstructure:"enable"`
	Preferences map[string]map[string]float64 `mapstructure:"preferences"`
}

// RetrieverRules bounds the candidate pool handed to the scorer.
type RetrieverRules struct {
	TopK      int    `mapstructure:"top_k"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
	Backend   string `mapstructure:"backend"` // "catalog" | "milvus" | "opensearch"
}

// RerankerRules configures the optional secondary-opinion signal.  The
// reranker is a swappable semantic-similarity provider; on timeout or error
// the scorer degrades to component-only scoring.
type RerankerRules struct {
	Enable    bool `mapstructure:"enable"`
	TimeoutMS int  `mapstructure:"timeout_ms"`
}

// PreprocessRules drives the abbreviation expander.
type PreprocessRules struct {
	// MaxExpansionPasses caps iterative table substitution so that a
	// user-edited table containing a cycle always terminates.  A pass that
	// reproduces an earlier token stream stops expansion at the pre-cycle
	// state.
	MaxExpansionPasses int `mapstructure:"max_expansion_passes"`
}

// MatchingRules is the versioned, schema-validated declarative rule document
// owned by the scorer.  It is loaded once at startup and swapped atomically
// as a whole on hot reload; readers never observe a partially updated table.
type MatchingRules struct {
	Version string `mapstructure:"version"`

	// Normalization table: raw token/phrase → expanded clinical term.
	// Matching is case-insensitive and longest-match-first.
	Abbreviations map[string]string `mapstructure:"abbreviations"`

	// Extraction vocabularies.
	AnatomyVocabulary  []AnatomyEntry      `mapstructure:"anatomy_vocabulary"`
	ModalityCodes      []string            `mapstructure:"modality_codes"`
	ModalityNames      map[string][]string `mapstructure:"modality_names"` // code -> textual markers
	ModalitySimilarity map[string]map[string]float64 `mapstructure:"modality_similarity"`
	LateralityMarkers  map[string][]string `mapstructure:"laterality_markers"` // left|right|bilateral
	ContrastPositive   []string            `mapstructure:"contrast_positive_markers"`
	ContrastNegative   []string            `mapstructure:"contrast_negative_markers"`
	TechniqueMarkers   []string            `mapstructure:"technique_markers"`
	GenderKeywords     map[string][]string `mapstructure:"gender_keywords"` // male|female
	AgeKeywords        map[string][]string `mapstructure:"age_keywords"`    // paediatric|adult
	PregnancyKeywords  []string            `mapstructure:"pregnancy_keywords"`
	ClinicalContextKeywords []string       `mapstructure:"clinical_context_keywords"`

	// Scoring.
	WeightsComponent  ComponentWeights  `mapstructure:"weights_component"`
	WeightsFinal      FinalWeights      `mapstructure:"weights_final"`
	MinimumComponentThresholds MinimumThresholds `mapstructure:"minimum_component_thresholds"`
	ContrastScoring   ContrastScoring   `mapstructure:"contrast_scoring"`
	LateralityScoring LateralityScoring `mapstructure:"laterality_scoring"`
	Bonuses           ScoringBonuses    `mapstructure:"bonuses"`
	ClinicalSpecificityScoring ClinicalSpecificityScoring `mapstructure:"clinical_specificity_scoring"`

	// Hard blocking constraints.
	AnatomicalCompatibilityConstraints AnatomicalCompatibilityConstraints `mapstructure:"anatomical_compatibility_constraints"`
	HybridModalityConstraints          HybridModalityConstraints          `mapstructure:"hybrid_modality_constraints"`
	DiagnosticProtection               DiagnosticProtection               `mapstructure:"diagnostic_protection"`
	VesselTypePreference               VesselTypePreference               `mapstructure:"vessel_type_preference"`
	BiopsyOrganModalityPreferences     BiopsyModalityPreferences          `mapstructure:"biopsy_organ_modality_preferences"`

	// Outcome thresholds.
	AcceptanceThreshold float64 `mapstructure:"acceptance_threshold"`

	// Stage tunables.
	Preprocess PreprocessRules `mapstructure:"preprocess"`
	Retriever  RetrieverRules  `mapstructure:"retriever"`
	Reranker   RerankerRules   `mapstructure:"reranker"`
}

func checkUnit(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("config: %s %.4f is out of range [0, 1]", name, v)
	}
	return nil
}

// Validate performs semantic validation of a fully-populated rule document.
// Any error is fatal at startup; rules are never validated at request time.
func (r *MatchingRules) Validate() error {
	unitChecks := []struct {
		name string
		v    float64
	}{
		{"weights_component.modality", r.WeightsComponent.Modality},
		{"weights_component.anatomy", r.WeightsComponent.Anatomy},
		{"weights_component.contrast", r.WeightsComponent.Contrast},
		{"weights_component.laterality", r.WeightsComponent.Laterality},
		{"weights_component.technique", r.WeightsComponent.Technique},
		{"weights_final.component", r.WeightsFinal.Component},
		{"weights_final.reranker", r.WeightsFinal.Reranker},
		{"minimum_component_thresholds.anatomy_min", r.MinimumComponentThresholds.AnatomyMin},
		{"minimum_component_thresholds.modality_min", r.MinimumComponentThresholds.ModalityMin},
		{"minimum_component_thresholds.contrast_min", r.MinimumComponentThresholds.ContrastMin},
		{"minimum_component_thresholds.laterality_min", r.MinimumComponentThresholds.LateralityMin},
		{"minimum_component_thresholds.technique_min", r.MinimumComponentThresholds.TechniqueMin},
		{"minimum_component_thresholds.combined_min", r.MinimumComponentThresholds.CombinedMin},
		{"contrast_scoring.null_score", r.ContrastScoring.NullScore},
		{"contrast_scoring.mismatch_score", r.ContrastScoring.MismatchScore},
		{"laterality_scoring.bilateral_partial_score", r.LateralityScoring.BilateralPartialScore},
		{"laterality_scoring.unspecified_score", r.LateralityScoring.UnspecifiedScore},
		{"clinical_specificity_scoring.max_adjustment", r.ClinicalSpecificityScoring.MaxAdjustment},
		{"acceptance_threshold", r.AcceptanceThreshold},
	}
	for _, c := range unitChecks {
		if err := checkUnit(c.name, c.v); err != nil {
			return err
		}
	}

	if r.AnatomicalCompatibilityConstraints.Enable {
		if r.AnatomicalCompatibilityConstraints.Penalty >= 0 {
			return fmt.Errorf("config: anatomical_compatibility_constraints.penalty must be negative, got %.2f",
				r.AnatomicalCompatibilityConstraints.Penalty)
		}
		for i, pair := range r.AnatomicalCompatibilityConstraints.IncompatiblePairs {
			if len(pair) != 2 {
				return fmt.Errorf("config: anatomical_compatibility_constraints.incompatible_pairs[%d] must have exactly 2 terms, got %d", i, len(pair))
			}
		}
	}
	if r.HybridModalityConstraints.Enable && r.HybridModalityConstraints.Penalty >= 0 {
		return fmt.Errorf("config: hybrid_modality_constraints.penalty must be negative, got %.2f",
			r.HybridModalityConstraints.Penalty)
	}
	if r.DiagnosticProtection.Enable && r.DiagnosticProtection.Penalty >= 0 {
		return fmt.Errorf("config: diagnostic_protection.penalty must be negative, got %.2f",
			r.DiagnosticProtection.Penalty)
	}

	for from, row := range r.ModalitySimilarity {
		for to, v := range row {
			if v < 0 || v > 1 {
				return fmt.Errorf("config: modality_similarity[%s][%s] %.4f is out of range [0, 1]", from, to, v)
			}
		}
	}

	if len(r.ModalityNames) > 0 {
		knownCodes := make(map[string]bool, len(r.ModalityCodes))
		for _, code := range r.ModalityCodes {
			knownCodes[code] = true
		}
		for code := range r.ModalityNames {
			if !knownCodes[code] {
				return fmt.Errorf("config: modality_names references unknown modality code %q", code)
			}
		}
	}

	knownAnatomy := make(map[string]bool, len(r.AnatomyVocabulary))
	for _, e := range r.AnatomyVocabulary {
		if e.Canonical == "" {
			return fmt.Errorf("config: anatomy_vocabulary entry with empty canonical term")
		}
		knownAnatomy[e.Canonical] = true
	}
	// Blocking pairs must reference vocabulary terms; a typo here would make
	// a safety constraint silently dead.
	if r.AnatomicalCompatibilityConstraints.Enable {
		for _, pair := range r.AnatomicalCompatibilityConstraints.IncompatiblePairs {
			for _, term := range pair {
				if !knownAnatomy[term] {
					return fmt.Errorf("config: incompatible_pairs references unknown anatomy term %q", term)
				}
			}
		}
	}

	if r.Retriever.TopK < 1 {
		return fmt.Errorf("config: retriever.top_k must be ≥ 1, got %d", r.Retriever.TopK)
	}
	switch r.Retriever.Backend {
	case "catalog", "milvus", "opensearch":
	default:
		return fmt.Errorf("config: retriever.backend %q is invalid; expected catalog|milvus|opensearch", r.Retriever.Backend)
	}
	if r.Preprocess.MaxExpansionPasses < 1 {
		return fmt.Errorf("config: preprocess.max_expansion_passes must be ≥ 1, got %d", r.Preprocess.MaxExpansionPasses)
	}
	return nil
}
