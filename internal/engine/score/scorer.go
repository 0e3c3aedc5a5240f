// Package score ranks retrieved candidates against an input's component set.
// The pipeline is: per-component sub-scores, weighted combination, minimum
// threshold gate, additive bonuses and penalties, hard blocking constraints,
// and finally the blend with the retrieval-stage semantic score.
package score

import (
	"sort"
	"strings"
	"unicode"

	"github.com/openradx/exammatch/internal/config"
	"github.com/openradx/exammatch/internal/domain/exam"
	"github.com/openradx/exammatch/internal/engine/retrieve"
	"github.com/openradx/exammatch/internal/infrastructure/monitoring/logging"
)

// Sub-score applied when exactly one side of a set-valued component is
// empty.  Absence cannot contradict, so it is neutral rather than zero.
const neutralScore = 0.5

// Scorer evaluates candidates.  Stateless apart from the rule handle; safe
// for concurrent use.
type Scorer struct {
	rules  *config.RulesHandle
	logger logging.Logger
}

// NewScorer creates a scorer bound to a live rule handle.
func NewScorer(rules *config.RulesHandle, logger logging.Logger) *Scorer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Scorer{
		rules:  rules,
		logger: logger.Named("score"),
	}
}

// Gated records a candidate eliminated by the minimum-threshold gate so the
// caller can explain an empty result.
type Gated struct {
	ConceptID string
	Component float64
	Reason    string
}

// Score evaluates every candidate and returns the survivors ranked by final
// score, concept ID breaking ties.  Candidates hit by a blocking constraint
// are kept with their negative score and reason so reviewers can see what
// was rejected and why.  Candidates eliminated by the threshold gate are
// returned separately, best gated candidate first.
func (s *Scorer) Score(in *exam.NormalizedInput, comps exam.ComponentSet, candidates []retrieve.Candidate) ([]*exam.ScoredCandidate, []Gated) {
	rules := s.rules.Current()

	out := make([]*exam.ScoredCandidate, 0, len(candidates))
	var gated []Gated
	for _, cand := range candidates {
		sc, g := s.scoreOne(in, comps, cand, rules)
		if g != nil {
			gated = append(gated, *g)
			continue
		}
		out = append(out, sc)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].FinalScore != out[j].FinalScore {
			return out[i].FinalScore > out[j].FinalScore
		}
		return out[i].Concept.ConceptID < out[j].Concept.ConceptID
	})
	sort.Slice(gated, func(i, j int) bool {
		if gated[i].Component != gated[j].Component {
			return gated[i].Component > gated[j].Component
		}
		return gated[i].ConceptID < gated[j].ConceptID
	})
	return out, gated
}

// scoreOne returns a Gated entry instead of a scored candidate when a
// minimum threshold eliminates the candidate.
func (s *Scorer) scoreOne(in *exam.NormalizedInput, comps exam.ComponentSet, cand retrieve.Candidate, rules *config.MatchingRules) (*exam.ScoredCandidate, *Gated) {
	concept := cand.Concept
	fields := map[string]float64{
		"anatomy":    setScore(comps.Anatomy, concept.Components.Anatomy),
		"modality":   modalityScore(comps.Modality, concept.Components.Modality, rules),
		"contrast":   contrastScore(comps.Contrast, concept.Components.Contrast, rules),
		"laterality": lateralityScore(comps.Laterality, concept.Components.Laterality, rules),
		"technique":  setScore(comps.Technique, concept.Components.Technique),
	}

	w := rules.WeightsComponent
	weightSum := w.Anatomy + w.Modality + w.Contrast + w.Laterality + w.Technique
	if weightSum <= 0 {
		weightSum = 1
	}
	component := (w.Anatomy*fields["anatomy"] +
		w.Modality*fields["modality"] +
		w.Contrast*fields["contrast"] +
		w.Laterality*fields["laterality"] +
		w.Technique*fields["technique"]) / weightSum

	if reason := gate(fields, component, rules.MinimumComponentThresholds); reason != "" {
		s.logger.Debug("candidate gated",
			logging.String("concept_id", concept.ConceptID),
			logging.String("reason", reason))
		return nil, &Gated{ConceptID: concept.ConceptID, Component: component, Reason: reason}
	}

	sc := &exam.ScoredCandidate{
		Concept:       concept,
		SemanticScore: cand.SemanticScore,
		FieldScores:   fields,
	}

	component += s.adjustments(in, comps, concept, rules)

	if blocked, reason := blockingPenalty(comps, concept, rules); blocked != 0 {
		component += blocked
		sc.Blocking = true
		sc.BlockingReason = reason
	}

	sc.ComponentScore = component

	fw := rules.WeightsFinal
	final := fw.Component*component + fw.Reranker*cand.SemanticScore
	// Positive scores live in [0, 1]; a blocked score stays negative so it
	// can never outrank a viable candidate.
	if final > 1 {
		final = 1
	}
	if final < 0 && !sc.Blocking {
		final = 0
	}
	sc.FinalScore = final
	return sc, nil
}

// gate returns a non-empty reason when a minimum threshold eliminates the
// candidate.
func gate(fields map[string]float64, component float64, t config.MinimumThresholds) string {
	if !t.Enable {
		return ""
	}
	checks := []struct {
		name string
		min  float64
	}{
		{"anatomy", t.AnatomyMin},
		{"modality", t.ModalityMin},
		{"contrast", t.ContrastMin},
		{"laterality", t.LateralityMin},
		{"technique", t.TechniqueMin},
	}
	for _, c := range checks {
		if c.min > 0 && fields[c.name] < c.min {
			return "below minimum " + c.name + " score"
		}
	}
	if t.CombinedMin > 0 && component < t.CombinedMin {
		return "below minimum combined score"
	}
	return ""
}

// ─────────────────────────────────────────────────────────────────────────────
// Component sub-scores
// ─────────────────────────────────────────────────────────────────────────────

// setScore compares two normalized term sets with Jaccard overlap.  Matching
// absence is perfect agreement; one-sided absence is neutral.
func setScore(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return neutralScore
	}
	inter := 0
	for _, t := range a {
		for _, u := range b {
			if t == u {
				inter++
				break
			}
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func modalityScore(input, concept string, rules *config.MatchingRules) float64 {
	if input == "" || concept == "" {
		return neutralScore
	}
	if input == concept {
		return 1
	}
	// The similarity table is read symmetrically so config authors only
	// declare each pair once.
	if v, ok := rules.ModalitySimilarity[input][concept]; ok {
		return v
	}
	if v, ok := rules.ModalitySimilarity[concept][input]; ok {
		return v
	}
	return 0
}

func contrastScore(input, concept exam.Contrast, rules *config.MatchingRules) float64 {
	if input == concept {
		return 1
	}
	if input == exam.ContrastUnspecified || concept == exam.ContrastUnspecified {
		return rules.ContrastScoring.NullScore
	}
	return rules.ContrastScoring.MismatchScore
}

func lateralityScore(input, concept exam.Laterality, rules *config.MatchingRules) float64 {
	if input == concept {
		return 1
	}
	if input == exam.LateralityNone || concept == exam.LateralityNone {
		return rules.LateralityScoring.UnspecifiedScore
	}
	if input == exam.LateralityBilateral || concept == exam.LateralityBilateral {
		return rules.LateralityScoring.BilateralPartialScore
	}
	// left vs right
	return 0
}

// ─────────────────────────────────────────────────────────────────────────────
// Bonuses and penalties
// ─────────────────────────────────────────────────────────────────────────────

func (s *Scorer) adjustments(in *exam.NormalizedInput, comps exam.ComponentSet, concept *exam.ReferenceConcept, rules *config.MatchingRules) float64 {
	adj := 0.0
	b := rules.Bonuses

	nameTokens := normalizedTokens(concept.FullySpecifiedName)
	exactName := strings.Join(in.Tokens, " ") == strings.Join(nameTokens, " ")
	if exactName {
		adj += b.ExactNameMatch
	} else if anatomyViaSynonym(in.Tokens, comps.Anatomy) &&
		overlaps(comps.Anatomy, concept.Components.Anatomy) {
		// The anatomy agreement came through the synonym table, not the
		// literal input text.
		adj += b.SynonymMatch
	}

	if comps.Interventional == concept.Components.Interventional {
		if comps.Interventional {
			adj += b.InterventionalAgreement
		}
	} else {
		adj += b.InterventionalDisagreementPenalty
	}

	if len(comps.ClinicalContext) > 0 && len(concept.Components.ClinicalContext) > 0 {
		if overlaps(comps.ClinicalContext, concept.Components.ClinicalContext) {
			adj += b.ContextMatch
		} else {
			adj += b.ContextMismatchPenalty
		}
	}

	if rules.ContrastScoring.PreferNoContrastWhenUnspecified &&
		comps.Contrast == exam.ContrastUnspecified &&
		concept.Components.Contrast == exam.ContrastWithout {
		adj += rules.ContrastScoring.NoContrastPreferenceBonus
	}

	adj += specificityAdjustment(in, nameTokens, rules.ClinicalSpecificityScoring)
	adj += vesselPreference(in.Tokens, nameTokens, rules.VesselTypePreference)
	adj += biopsyPreference(comps, concept, rules.BiopsyOrganModalityPreferences)
	return adj
}

// specificityAdjustment rewards concept names whose detail words the input
// actually mentions and penalizes catalog entries padded with filler.  The
// net adjustment is capped so specificity never dominates a component score.
func specificityAdjustment(in *exam.NormalizedInput, nameTokens []string, cfg config.ClinicalSpecificityScoring) float64 {
	if !cfg.Enable {
		return 0
	}
	inputSet := toSet(in.Tokens)
	nameSet := toSet(nameTokens)

	adj := 0.0
	for _, w := range cfg.DetailWords {
		if nameSet[w] && inputSet[w] {
			adj += cfg.DetailWordBonus
		}
	}
	for _, w := range cfg.FillerWords {
		if nameSet[w] {
			adj += cfg.FillerWordPenalty
		}
	}
	// A generic input should land on a generic study, not the most detailed
	// protocol that happens to share its words.
	if !containsAny(inputSet, cfg.DetailWords) && !containsAny(nameSet, cfg.DetailWords) {
		adj += cfg.PreferGenericAnatomyBonus
	}
	if limit := cfg.MaxAdjustment; limit > 0 {
		if adj > limit {
			adj = limit
		}
		if adj < -limit {
			adj = -limit
		}
	}
	return adj
}

// vesselPreference resolves generic angiography inputs toward arterial
// studies.  An input that names a vessel type explicitly is left alone.
func vesselPreference(inputTokens, nameTokens []string, cfg config.VesselTypePreference) float64 {
	if !cfg.Enable {
		return 0
	}
	inputSet := toSet(inputTokens)
	if !containsAny(inputSet, cfg.GenericAngiographyTerms) {
		return 0
	}
	if containsAny(inputSet, cfg.ArterialTerms) || containsAny(inputSet, cfg.VenousTerms) {
		return 0
	}
	nameSet := toSet(nameTokens)
	if containsAny(nameSet, cfg.VenousTerms) {
		return cfg.VenousPenalty
	}
	if containsAny(nameSet, cfg.ArterialTerms) {
		return cfg.ArterialBonus
	}
	return 0
}

// biopsyPreference nudges interventional inputs toward the modality that
// typically guides a biopsy of the named organ.
func biopsyPreference(comps exam.ComponentSet, concept *exam.ReferenceConcept, cfg config.BiopsyModalityPreferences) float64 {
	if !cfg.Enable || !comps.Interventional || concept.Components.Modality == "" {
		return 0
	}
	adj := 0.0
	for _, organ := range comps.Anatomy {
		if v, ok := cfg.Preferences[organ][concept.Components.Modality]; ok && v > adj {
			adj = v
		}
	}
	return adj
}

// ─────────────────────────────────────────────────────────────────────────────
// Hard blocking constraints
// ─────────────────────────────────────────────────────────────────────────────

// blockingPenalty returns the most severe applicable blocking penalty with a
// human-readable reason.  A single constraint suffices to block.
func blockingPenalty(comps exam.ComponentSet, concept *exam.ReferenceConcept, rules *config.MatchingRules) (float64, string) {
	if p, reason := anatomicalBlock(comps, concept, rules.AnatomicalCompatibilityConstraints); p != 0 {
		return p, reason
	}
	if p, reason := hybridBlock(comps, concept, rules.HybridModalityConstraints); p != 0 {
		return p, reason
	}
	if p, reason := diagnosticBlock(comps, concept, rules.DiagnosticProtection); p != 0 {
		return p, reason
	}
	return 0, ""
}

// anatomicalBlock fires when the input names one member of an incompatible
// pair and the candidate names the other without also covering the input's
// side.
func anatomicalBlock(comps exam.ComponentSet, concept *exam.ReferenceConcept, cfg config.AnatomicalCompatibilityConstraints) (float64, string) {
	if !cfg.Enable {
		return 0, ""
	}
	for _, pair := range cfg.IncompatiblePairs {
		if len(pair) != 2 {
			continue
		}
		a, b := pair[0], pair[1]
		if comps.HasAnatomy(a) && concept.Components.HasAnatomy(b) && !concept.Components.HasAnatomy(a) {
			return cfg.Penalty, "anatomically incompatible: " + a + " vs " + b
		}
		if comps.HasAnatomy(b) && concept.Components.HasAnatomy(a) && !concept.Components.HasAnatomy(b) {
			return cfg.Penalty, "anatomically incompatible: " + b + " vs " + a
		}
	}
	return 0, ""
}

// hybridBlock keeps hybrid-modality concepts away from single-modality
// inputs.  An input without any modality is left to the modality sub-score.
func hybridBlock(comps exam.ComponentSet, concept *exam.ReferenceConcept, cfg config.HybridModalityConstraints) (float64, string) {
	if !cfg.Enable || comps.Modality == "" {
		return 0, ""
	}
	for _, h := range cfg.HybridModalities {
		if concept.Components.Modality == h && comps.Modality != h {
			return cfg.Penalty, "hybrid modality " + h + " requires a hybrid acquisition"
		}
	}
	return 0, ""
}

// diagnosticBlock protects plainly diagnostic inputs from being mapped onto
// interventional procedures.
func diagnosticBlock(comps exam.ComponentSet, concept *exam.ReferenceConcept, cfg config.DiagnosticProtection) (float64, string) {
	if !cfg.Enable {
		return 0, ""
	}
	if concept.Components.Interventional && !comps.Interventional {
		return cfg.Penalty, "interventional procedure offered for a diagnostic exam"
	}
	return 0, ""
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func normalizedTokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// anatomyViaSynonym reports whether any resolved canonical anatomy term is
// absent from the literal input tokens, meaning the synonym table supplied it.
func anatomyViaSynonym(inputTokens, anatomy []string) bool {
	inputSet := toSet(inputTokens)
	for _, term := range anatomy {
		for _, word := range strings.Fields(term) {
			if !inputSet[word] {
				return true
			}
		}
	}
	return false
}

func toSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

func containsAny(set map[string]bool, terms []string) bool {
	for _, t := range terms {
		if set[t] {
			return true
		}
	}
	return false
}

func overlaps(a, b []string) bool {
	for _, t := range a {
		for _, u := range b {
			if t == u {
				return true
			}
		}
	}
	return false
}
