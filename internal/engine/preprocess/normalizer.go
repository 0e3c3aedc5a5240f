// Package preprocess turns raw exam strings into the normalized token form
// the rest of the engine operates on: lowercasing, institutional abbreviation
// expansion, punctuation stripping, and tokenization.
package preprocess

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

// Normalizer applies the configured abbreviation table to raw exam text.
// Safe for concurrent use; the compiled table is rebuilt only when the rule
// document is swapped.
type Normalizer struct {
	rules  *config.RulesHandle
	logger logging.Logger

	mu       sync.Mutex
	compiled *expansionTable
	source   *config.MatchingRules
}

// NewNormalizer creates a normalizer bound to a live rule handle.
func NewNormalizer(rules *config.RulesHandle, logger logging.Logger) *Normalizer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Normalizer{
		rules:  rules,
		logger: logger.Named("preprocess"),
	}
}

// Normalize converts one raw record into its normalized input form.
//
// Abbreviation expansion runs before punctuation stripping so that forms
// like "w/c" survive long enough to match their table entry.  Expansion is
// iterative: an expansion may itself contain an abbreviation.  A repeated
// token stream means the table cycles; the stream from before the repeat is
// kept and the cycle is reported in the logs.  If the stream is still
// changing after the configured pass cap, the current stream is returned
// together with an ErrCodeExpansionOverflow error so the caller can decide
// whether to continue.
func (n *Normalizer) Normalize(rec *exam.Record) (*exam.NormalizedInput, error) {
	if rec == nil || strings.TrimSpace(rec.ExamName) == "" {
		return nil, apperrors.New(apperrors.ErrCodeMalformedInput, "exam name is empty")
	}

	rules := n.rules.Current()
	table := n.tableFor(rules)

	tokens := strings.Fields(strings.ToLower(rec.ExamName))
	tokens, provenance, err := n.expand(tokens, table, rules.Preprocess.MaxExpansionPasses)

	tokens = stripPunctuation(tokens)
	if len(tokens) == 0 {
		return nil, apperrors.Newf(apperrors.ErrCodeMalformedInput,
			"exam name %q reduces to nothing after normalization", rec.ExamName)
	}

	in := &exam.NormalizedInput{
		RawText:      rec.ExamName,
		ExamCode:     rec.ExamCode,
		ModalityCode: strings.ToUpper(strings.TrimSpace(rec.ModalityCode)),
		DataSource:   rec.DataSource,
		Tokens:       tokens,
		Provenance:   provenance,
	}
	return in, err
}

// expand applies the abbreviation table until the token stream is stable,
// cycles, or the pass cap is hit.
func (n *Normalizer) expand(tokens []string, table *expansionTable, maxPasses int) ([]string, []exam.Expansion, error) {
	if maxPasses <= 0 {
		maxPasses = config.DefaultMaxExpansionPasses
	}

	var provenance []exam.Expansion
	seen := map[string]bool{signature(tokens): true}

	for pass := 0; pass < maxPasses; pass++ {
		next, applied := table.applyOnce(tokens)
		if len(applied) == 0 {
			return tokens, provenance, nil
		}
		sig := signature(next)
		if seen[sig] {
			n.logger.Warn("abbreviation table cycles, keeping pre-cycle stream",
				logging.String("stream", strings.Join(tokens, " ")))
			return tokens, provenance, nil
		}
		seen[sig] = true
		tokens = next
		provenance = append(provenance, applied...)
	}

	// Still changing after the cap.
	_, applied := table.applyOnce(tokens)
	if len(applied) == 0 {
		return tokens, provenance, nil
	}
	return tokens, provenance, apperrors.Newf(apperrors.ErrCodeExpansionOverflow,
		"abbreviation expansion did not stabilize within %d passes", maxPasses)
}

func signature(tokens []string) string {
	return strings.Join(tokens, "\x00")
}

// stripPunctuation removes non-alphanumeric runes from the expanded stream,
// splitting tokens where punctuation joined words.
func stripPunctuation(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		fields := strings.FieldsFunc(tok, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		out = append(out, fields...)
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Compiled abbreviation table
// ─────────────────────────────────────────────────────────────────────────────

type abbrevEntry struct {
	phrase    []string // abbreviation split into tokens
	expansion []string
	raw       string
	expanded  string
}

type expansionTable struct {
	entries []abbrevEntry
}

// tableFor returns the compiled table for the given rule document, rebuilding
// it only when the document pointer changed since the last call.
func (n *Normalizer) tableFor(rules *config.MatchingRules) *expansionTable {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.source == rules && n.compiled != nil {
		return n.compiled
	}
	n.compiled = compileTable(rules.Abbreviations)
	n.source = rules
	return n.compiled
}

// compileTable lowercases the table and orders it longest-match-first: more
// tokens win over fewer, longer text wins within the same token count.
func compileTable(abbreviations map[string]string) *expansionTable {
	entries := make([]abbrevEntry, 0, len(abbreviations))
	for raw, expanded := range abbreviations {
		phrase := strings.Fields(strings.ToLower(raw))
		if len(phrase) == 0 {
			continue
		}
		entries = append(entries, abbrevEntry{
			phrase:    phrase,
			expansion: strings.Fields(strings.ToLower(expanded)),
			raw:       strings.ToLower(raw),
			expanded:  strings.ToLower(expanded),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if len(entries[i].phrase) != len(entries[j].phrase) {
			return len(entries[i].phrase) > len(entries[j].phrase)
		}
		if len(entries[i].raw) != len(entries[j].raw) {
			return len(entries[i].raw) > len(entries[j].raw)
		}
		return entries[i].raw < entries[j].raw
	})
	return &expansionTable{entries: entries}
}

// applyOnce performs a single left-to-right pass over the stream.  At each
// position the longest matching abbreviation is substituted and the scan
// resumes after the substituted expansion, so an expansion never re-matches
// within the same pass.
func (t *expansionTable) applyOnce(tokens []string) ([]string, []exam.Expansion) {
	var applied []exam.Expansion
	out := make([]string, 0, len(tokens))

	for i := 0; i < len(tokens); {
		entry, ok := t.matchAt(tokens, i)
		if !ok {
			out = append(out, tokens[i])
			i++
			continue
		}
		out = append(out, entry.expansion...)
		applied = append(applied, exam.Expansion{Raw: entry.raw, Expanded: entry.expanded})
		i += len(entry.phrase)
	}
	return out, applied
}

func (t *expansionTable) matchAt(tokens []string, pos int) (abbrevEntry, bool) {
	for _, entry := range t.entries {
		if pos+len(entry.phrase) > len(tokens) {
			continue
		}
		match := true
		for k, want := range entry.phrase {
			if tokens[pos+k] != want {
				match = false
				break
			}
		}
		if match {
			return entry, true
		}
	}
	return abbrevEntry{}, false
}
