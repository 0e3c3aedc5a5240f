// Package extract decomposes a normalized exam token stream into its
// structured clinical components: anatomy, modality, laterality, contrast,
// technique, and the patient-context flags.  Everything it recognizes comes
// from the configured vocabularies; the code carries no clinical knowledge of
// its own.
package extract

import (
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/openradx/exammatch/internal/config"
	"github.com/openradx/exammatch/internal/domain/exam"
	"github.com/openradx/exammatch/internal/infrastructure/monitoring/logging"
	apperrors "github.com/openradx/exammatch/pkg/errors"
)

// Extractor maps token streams to component sets.  Safe for concurrent use;
// the compiled vocabulary is rebuilt only on rule swap.
type Extractor struct {
	rules  *config.RulesHandle
	logger logging.Logger

	mu       sync.Mutex
	compiled *vocabulary
	source   *config.MatchingRules
}

// NewExtractor creates an extractor bound to a live rule handle.
func NewExtractor(rules *config.RulesHandle, logger logging.Logger) *Extractor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Extractor{
		rules:  rules,
		logger: logger.Named("extract"),
	}
}

// Extract derives the component set for one normalized input.
//
// Modality comes from the record's explicit modality code when it is a known
// code, otherwise from textual markers in the stream.  Contrast resolution
// gives negative markers precedence over positive ones, since "without
// contrast" exams routinely carry the word "contrast".  An input mentioning
// both left and right is treated as bilateral.
func (e *Extractor) Extract(in *exam.NormalizedInput) (exam.ComponentSet, error) {
	if in == nil || len(in.Tokens) == 0 {
		return exam.ComponentSet{}, apperrors.New(apperrors.ErrCodeMalformedInput, "nothing to extract from")
	}

	rules := e.rules.Current()
	vocab := e.vocabularyFor(rules)

	cs := exam.NewComponentSet()
	cs.Anatomy = vocab.anatomy.matchAll(in.Tokens)
	cs.Technique = vocab.technique.matchAll(in.Tokens)
	cs.ClinicalContext = vocab.context.matchAll(in.Tokens)

	cs.Modality = e.resolveModality(in, vocab)
	cs.Laterality = resolveLaterality(in.Tokens, vocab)
	cs.Contrast = resolveContrast(in.Tokens, vocab)

	if len(vocab.female.matchAll(in.Tokens)) > 0 {
		cs.GenderContext = exam.GenderFemale
	} else if len(vocab.male.matchAll(in.Tokens)) > 0 {
		cs.GenderContext = exam.GenderMale
	}
	if len(vocab.paediatric.matchAll(in.Tokens)) > 0 {
		cs.AgeContext = exam.AgePaediatric
	} else if len(vocab.adult.matchAll(in.Tokens)) > 0 {
		cs.AgeContext = exam.AgeAdult
	}
	cs.Pregnancy = len(vocab.pregnancy.matchAll(in.Tokens)) > 0
	cs.Interventional = len(vocab.interventional.matchAll(in.Tokens)) > 0

	cs.Normalize()
	return cs, nil
}

// resolveModality prefers the explicit modality code of the record.  An
// unknown code is ignored with a log line rather than rejected, since feeds
// routinely carry site-local codes.
func (e *Extractor) resolveModality(in *exam.NormalizedInput, vocab *vocabulary) string {
	if in.ModalityCode != "" {
		if vocab.modalityCodes[in.ModalityCode] {
			return in.ModalityCode
		}
		e.logger.Debug("ignoring unknown modality code",
			logging.String("code", in.ModalityCode),
			logging.String("input", in.RawText))
	}

	// Textual detection: the longest matching marker wins so that "pet ct"
	// resolves to the hybrid rather than to either part.
	best := ""
	bestLen := 0
	for code, markers := range vocab.modalityMarkers {
		for _, m := range markers.matchAllPhrases(in.Tokens) {
			n := len(m.tokens)
			if n > bestLen || (n == bestLen && (best == "" || code < best)) {
				best = code
				bestLen = n
			}
		}
	}
	return best
}

func resolveLaterality(tokens []string, vocab *vocabulary) exam.Laterality {
	left := len(vocab.left.matchAll(tokens)) > 0
	right := len(vocab.right.matchAll(tokens)) > 0
	bilateral := len(vocab.bilateral.matchAll(tokens)) > 0

	switch {
	case bilateral, left && right:
		return exam.LateralityBilateral
	case left:
		return exam.LateralityLeft
	case right:
		return exam.LateralityRight
	default:
		return exam.LateralityNone
	}
}

func resolveContrast(tokens []string, vocab *vocabulary) exam.Contrast {
	if len(vocab.contrastNeg.matchAll(tokens)) > 0 {
		return exam.ContrastWithout
	}
	if len(vocab.contrastPos.matchAll(tokens)) > 0 {
		return exam.ContrastWith
	}
	return exam.ContrastUnspecified
}

// ─────────────────────────────────────────────────────────────────────────────
// Compiled vocabulary
// ─────────────────────────────────────────────────────────────────────────────

type vocabulary struct {
	anatomy         *phraseSet
	technique       *phraseSet
	context         *phraseSet
	left            *phraseSet
	right           *phraseSet
	bilateral       *phraseSet
	contrastPos     *phraseSet
	contrastNeg     *phraseSet
	male            *phraseSet
	female          *phraseSet
	paediatric      *phraseSet
	adult           *phraseSet
	pregnancy       *phraseSet
	interventional  *phraseSet
	modalityCodes   map[string]bool
	modalityMarkers map[string]*phraseSet
}

func (e *Extractor) vocabularyFor(rules *config.MatchingRules) *vocabulary {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.source == rules && e.compiled != nil {
		return e.compiled
	}
	e.compiled = compileVocabulary(rules)
	e.source = rules
	return e.compiled
}

func compileVocabulary(rules *config.MatchingRules) *vocabulary {
	v := &vocabulary{
		technique:      newPhraseSet(identityPairs(rules.TechniqueMarkers)),
		context:        newPhraseSet(identityPairs(rules.ClinicalContextKeywords)),
		left:           newPhraseSet(identityPairs(rules.LateralityMarkers["left"])),
		right:          newPhraseSet(identityPairs(rules.LateralityMarkers["right"])),
		bilateral:      newPhraseSet(identityPairs(rules.LateralityMarkers["bilateral"])),
		contrastPos:    newPhraseSet(identityPairs(rules.ContrastPositive)),
		contrastNeg:    newPhraseSet(identityPairs(rules.ContrastNegative)),
		male:           newPhraseSet(identityPairs(rules.GenderKeywords["male"])),
		female:         newPhraseSet(identityPairs(rules.GenderKeywords["female"])),
		paediatric:     newPhraseSet(identityPairs(rules.AgeKeywords["paediatric"])),
		adult:          newPhraseSet(identityPairs(rules.AgeKeywords["adult"])),
		pregnancy:      newPhraseSet(identityPairs(rules.PregnancyKeywords)),
		interventional: newPhraseSet(identityPairs(rules.DiagnosticProtection.InterventionalIndicators)),
		modalityCodes:  make(map[string]bool, len(rules.ModalityCodes)),
		modalityMarkers: make(map[string]*phraseSet, len(rules.ModalityNames)),
	}

	// Anatomy phrases map synonyms onto their canonical term.
	var anatomyPairs []phrasePair
	for _, entry := range rules.AnatomyVocabulary {
		anatomyPairs = append(anatomyPairs, phrasePair{text: entry.Canonical, canonical: entry.Canonical})
		for _, syn := range entry.Synonyms {
			anatomyPairs = append(anatomyPairs, phrasePair{text: syn, canonical: entry.Canonical})
		}
	}
	v.anatomy = newPhraseSet(anatomyPairs)

	for _, code := range rules.ModalityCodes {
		v.modalityCodes[code] = true
	}
	for code, names := range rules.ModalityNames {
		v.modalityMarkers[code] = newPhraseSet(identityPairs(names))
	}
	return v
}

type phrasePair struct {
	text      string
	canonical string
}

func identityPairs(terms []string) []phrasePair {
	pairs := make([]phrasePair, 0, len(terms))
	for _, t := range terms {
		pairs = append(pairs, phrasePair{text: t, canonical: t})
	}
	return pairs
}

type compiledPhrase struct {
	tokens    []string
	canonical string
}

// phraseSet matches marker phrases against token streams.  Phrases are
// tokenized with the same punctuation rules as the preprocessor output, so
// "x-ray" in config matches the stream tokens "x ray".
type phraseSet struct {
	phrases []compiledPhrase
	maxLen  int
}

func newPhraseSet(pairs []phrasePair) *phraseSet {
	ps := &phraseSet{}
	for _, p := range pairs {
		tokens := phraseTokens(p.text)
		if len(tokens) == 0 {
			continue
		}
		ps.phrases = append(ps.phrases, compiledPhrase{tokens: tokens, canonical: strings.ToLower(p.canonical)})
		if len(tokens) > ps.maxLen {
			ps.maxLen = len(tokens)
		}
	}
	// Longer phrases first so "cervical spine" beats "spine" at the same
	// position.
	sort.Slice(ps.phrases, func(i, j int) bool {
		return len(ps.phrases[i].tokens) > len(ps.phrases[j].tokens)
	})
	return ps
}

func phraseTokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// matchAll returns the canonical terms of every phrase occurring in the
// stream, deduplicated.
func (ps *phraseSet) matchAll(tokens []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, phrase := range ps.matchAllPhrases(tokens) {
		if !seen[phrase.canonical] {
			seen[phrase.canonical] = true
			out = append(out, phrase.canonical)
		}
	}
	return out
}

// matchAllPhrases returns every phrase occurrence; overlapping matches at the
// same position resolve to the longest phrase.
func (ps *phraseSet) matchAllPhrases(tokens []string) []compiledPhrase {
	var out []compiledPhrase
	for i := 0; i < len(tokens); i++ {
		for _, phrase := range ps.phrases {
			if matchesAt(tokens, i, phrase.tokens) {
				out = append(out, phrase)
				break
			}
		}
	}
	return out
}

func matchesAt(tokens []string, pos int, phrase []string) bool {
	if pos+len(phrase) > len(tokens) {
		return false
	}
	for k, want := range phrase {
		if tokens[pos+k] != want {
			return false
		}
	}
	return true
}
