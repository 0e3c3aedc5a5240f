package score

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openradx/exammatch/internal/config"
	"github.com/openradx/exammatch/internal/domain/exam"
	"github.com/openradx/exammatch/internal/engine/retrieve"
)

func newTestScorer(rules *config.MatchingRules) *Scorer {
	if rules == nil {
		rules = config.DefaultRules()
	}
	return NewScorer(config.NewRulesHandle(rules), nil)
}

func concept(id, name string, comps exam.ComponentSet) *exam.ReferenceConcept {
	comps.Normalize()
	return &exam.ReferenceConcept{ConceptID: id, FullySpecifiedName: name, Components: comps}
}

func candidates(semantic float64, concepts ...*exam.ReferenceConcept) []retrieve.Candidate {
	out := make([]retrieve.Candidate, 0, len(concepts))
	for _, c := range concepts {
		out = append(out, retrieve.Candidate{Concept: c, SemanticScore: semantic})
	}
	return out
}

func ctHeadInput(contrast exam.Contrast) (*exam.NormalizedInput, exam.ComponentSet) {
	in := &exam.NormalizedInput{
		RawText: "ct head",
		Tokens:  []string{"ct", "head"},
	}
	comps := exam.NewComponentSet()
	comps.Anatomy = []string{"head"}
	comps.Modality = "CT"
	comps.Contrast = contrast
	return in, comps
}

func TestScoreRanking(t *testing.T) {
	s := newTestScorer(nil)

	t.Run("full component agreement ranks first", func(t *testing.T) {
		in, comps := ctHeadInput(exam.ContrastWithout)
		match := concept("RID-001", "CT head without contrast", exam.ComponentSet{
			Anatomy: []string{"head"}, Modality: "CT", Contrast: exam.ContrastWithout,
		})
		other := concept("RID-002", "CT chest without contrast", exam.ComponentSet{
			Anatomy: []string{"chest"}, Modality: "CT", Contrast: exam.ContrastWithout,
		})

		got, _ := s.Score(in, comps, candidates(0.8, other, match))
		require.NotEmpty(t, got)
		assert.Equal(t, "RID-001", got[0].Concept.ConceptID)
		assert.Greater(t, got[0].FinalScore, 0.8)
		assert.InDelta(t, 1.0, got[0].FieldScores["anatomy"], 1e-9)
	})

	t.Run("contrast mismatch ranks below contrast match", func(t *testing.T) {
		in, comps := ctHeadInput(exam.ContrastWith)
		with := concept("RID-001", "CT head with contrast", exam.ComponentSet{
			Anatomy: []string{"head"}, Modality: "CT", Contrast: exam.ContrastWith,
		})
		without := concept("RID-002", "CT head without contrast", exam.ComponentSet{
			Anatomy: []string{"head"}, Modality: "CT", Contrast: exam.ContrastWithout,
		})

		got, _ := s.Score(in, comps, candidates(0.8, without, with))
		require.Len(t, got, 2)
		assert.Equal(t, "RID-001", got[0].Concept.ConceptID)
		rules := config.DefaultRules()
		assert.InDelta(t, rules.ContrastScoring.MismatchScore, got[1].FieldScores["contrast"], 1e-9)
	})

	t.Run("unspecified contrast prefers the plain study", func(t *testing.T) {
		in, comps := ctHeadInput(exam.ContrastUnspecified)
		with := concept("RID-001", "CT head with contrast", exam.ComponentSet{
			Anatomy: []string{"head"}, Modality: "CT", Contrast: exam.ContrastWith,
		})
		without := concept("RID-002", "CT head without contrast", exam.ComponentSet{
			Anatomy: []string{"head"}, Modality: "CT", Contrast: exam.ContrastWithout,
		})

		got, _ := s.Score(in, comps, candidates(0.8, with, without))
		require.Len(t, got, 2)
		assert.Equal(t, "RID-002", got[0].Concept.ConceptID)
	})

	t.Run("bilateral study gets partial credit for a single side", func(t *testing.T) {
		in := &exam.NormalizedInput{RawText: "xr left knee", Tokens: []string{"xr", "left", "knee"}}
		comps := exam.NewComponentSet()
		comps.Anatomy = []string{"knee"}
		comps.Modality = "XR"
		comps.Laterality = exam.LateralityLeft

		bilateral := concept("RID-001", "XR knee bilateral", exam.ComponentSet{
			Anatomy: []string{"knee"}, Modality: "XR", Laterality: exam.LateralityBilateral,
		})

		got, _ := s.Score(in, comps, candidates(0.8, bilateral))
		require.Len(t, got, 1)
		rules := config.DefaultRules()
		assert.InDelta(t, rules.LateralityScoring.BilateralPartialScore, got[0].FieldScores["laterality"], 1e-9)
	})

	t.Run("opposite side scores zero laterality", func(t *testing.T) {
		in := &exam.NormalizedInput{RawText: "xr left knee", Tokens: []string{"xr", "left", "knee"}}
		comps := exam.NewComponentSet()
		comps.Anatomy = []string{"knee"}
		comps.Modality = "XR"
		comps.Laterality = exam.LateralityLeft

		right := concept("RID-001", "XR knee right", exam.ComponentSet{
			Anatomy: []string{"knee"}, Modality: "XR", Laterality: exam.LateralityRight,
		})

		got, _ := s.Score(in, comps, candidates(0.8, right))
		require.Len(t, got, 1)
		assert.InDelta(t, 0.0, got[0].FieldScores["laterality"], 1e-9)
	})

	t.Run("equal scores rank by concept id", func(t *testing.T) {
		in, comps := ctHeadInput(exam.ContrastWithout)
		shared := exam.ComponentSet{Anatomy: []string{"head"}, Modality: "CT", Contrast: exam.ContrastWithout}
		b := concept("RID-002", "CT head plain", shared)
		a := concept("RID-001", "CT head native", shared)

		got, _ := s.Score(in, comps, candidates(0.8, b, a))
		require.Len(t, got, 2)
		assert.Equal(t, "RID-001", got[0].Concept.ConceptID)
	})

	t.Run("final score never exceeds one", func(t *testing.T) {
		in := &exam.NormalizedInput{RawText: "ct head without contrast", Tokens: []string{"ct", "head", "without", "contrast"}}
		comps := exam.NewComponentSet()
		comps.Anatomy = []string{"head"}
		comps.Modality = "CT"
		comps.Contrast = exam.ContrastWithout

		exact := concept("RID-001", "CT head without contrast", exam.ComponentSet{
			Anatomy: []string{"head"}, Modality: "CT", Contrast: exam.ContrastWithout,
		})
		got, _ := s.Score(in, comps, candidates(1.0, exact))
		require.Len(t, got, 1)
		assert.LessOrEqual(t, got[0].FinalScore, 1.0)
	})
}

func TestThresholdGate(t *testing.T) {
	s := newTestScorer(nil)

	t.Run("unrelated modality is eliminated", func(t *testing.T) {
		in := &exam.NormalizedInput{RawText: "us liver", Tokens: []string{"ultrasound", "liver"}}
		comps := exam.NewComponentSet()
		comps.Anatomy = []string{"liver"}
		comps.Modality = "US"

		ct := concept("RID-001", "CT liver", exam.ComponentSet{
			Anatomy: []string{"liver"}, Modality: "CT",
		})
		got, _ := s.Score(in, comps, candidates(0.9, ct))
		assert.Empty(t, got)
	})

	t.Run("gate disabled keeps the candidate", func(t *testing.T) {
		rules := config.DefaultRules()
		rules.MinimumComponentThresholds.Enable = false
		s := newTestScorer(rules)

		in := &exam.NormalizedInput{RawText: "us liver", Tokens: []string{"ultrasound", "liver"}}
		comps := exam.NewComponentSet()
		comps.Anatomy = []string{"liver"}
		comps.Modality = "US"

		ct := concept("RID-001", "CT liver", exam.ComponentSet{
			Anatomy: []string{"liver"}, Modality: "CT",
		})
		got, _ := s.Score(in, comps, candidates(0.9, ct))
		assert.Len(t, got, 1)
	})
}

func TestBlockingConstraints(t *testing.T) {
	t.Run("cross gender anatomy is blocked", func(t *testing.T) {
		// Thresholds off so the block itself is what rejects the pair.
		rules := config.DefaultRules()
		rules.MinimumComponentThresholds.Enable = false
		s := newTestScorer(rules)

		in := &exam.NormalizedInput{RawText: "mammogram breast", Tokens: []string{"mammography", "breast"}}
		comps := exam.NewComponentSet()
		comps.Anatomy = []string{"breast"}
		comps.Modality = "MG"

		prostate := concept("RID-001", "US prostate", exam.ComponentSet{
			Anatomy: []string{"prostate"}, Modality: "US",
		})

		got, _ := s.Score(in, comps, candidates(0.9, prostate))
		require.Len(t, got, 1)
		assert.True(t, got[0].Blocking)
		assert.Less(t, got[0].FinalScore, 0.0)
		assert.Contains(t, got[0].BlockingReason, "anatomically incompatible")
	})

	t.Run("blocked candidate never outranks a viable one", func(t *testing.T) {
		rules := config.DefaultRules()
		rules.MinimumComponentThresholds.Enable = false
		s := newTestScorer(rules)

		in := &exam.NormalizedInput{RawText: "mammogram breast", Tokens: []string{"mammography", "breast"}}
		comps := exam.NewComponentSet()
		comps.Anatomy = []string{"breast"}
		comps.Modality = "MG"

		breast := concept("RID-001", "MG breast bilateral", exam.ComponentSet{
			Anatomy: []string{"breast"}, Modality: "MG", Laterality: exam.LateralityBilateral,
		})
		prostate := concept("RID-002", "US prostate", exam.ComponentSet{
			Anatomy: []string{"prostate"}, Modality: "US",
		})

		got, _ := s.Score(in, comps, candidates(0.9, prostate, breast))
		require.Len(t, got, 2)
		assert.Equal(t, "RID-001", got[0].Concept.ConceptID)
		assert.True(t, got[1].Blocking)
	})

	t.Run("hybrid concept requires hybrid input", func(t *testing.T) {
		s := newTestScorer(nil)
		in, comps := ctHeadInput(exam.ContrastUnspecified)

		hybrid := concept("RID-001", "PET-CT head", exam.ComponentSet{
			Anatomy: []string{"head"}, Modality: "PTCT",
		})
		got, _ := s.Score(in, comps, candidates(0.9, hybrid))
		require.Len(t, got, 1)
		assert.True(t, got[0].Blocking)
		assert.Less(t, got[0].FinalScore, 0.0)
	})

	t.Run("hybrid input may match hybrid concept", func(t *testing.T) {
		s := newTestScorer(nil)
		in := &exam.NormalizedInput{RawText: "pet ct head", Tokens: []string{"pet", "ct", "head"}}
		comps := exam.NewComponentSet()
		comps.Anatomy = []string{"head"}
		comps.Modality = "PTCT"

		hybrid := concept("RID-001", "PET-CT head", exam.ComponentSet{
			Anatomy: []string{"head"}, Modality: "PTCT",
		})
		got, _ := s.Score(in, comps, candidates(0.9, hybrid))
		require.Len(t, got, 1)
		assert.False(t, got[0].Blocking)
		assert.Greater(t, got[0].FinalScore, 0.0)
	})

	t.Run("diagnostic input never maps to an interventional procedure", func(t *testing.T) {
		s := newTestScorer(nil)
		in := &exam.NormalizedInput{RawText: "ct chest", Tokens: []string{"ct", "chest"}}
		comps := exam.NewComponentSet()
		comps.Anatomy = []string{"chest"}
		comps.Modality = "CT"

		biopsy := concept("RID-001", "CT guided lung biopsy", exam.ComponentSet{
			Anatomy: []string{"lung", "chest"}, Modality: "CT", Technique: []string{"biopsy"},
			Interventional: true,
		})
		got, _ := s.Score(in, comps, candidates(0.9, biopsy))
		require.Len(t, got, 1)
		assert.True(t, got[0].Blocking)
		assert.Less(t, got[0].FinalScore, 0.0)
	})

	t.Run("interventional input may match interventional concept", func(t *testing.T) {
		s := newTestScorer(nil)
		in := &exam.NormalizedInput{RawText: "ct lung biopsy", Tokens: []string{"ct", "lung", "biopsy"}}
		comps := exam.NewComponentSet()
		comps.Anatomy = []string{"lung"}
		comps.Modality = "CT"
		comps.Technique = []string{"biopsy"}
		comps.Interventional = true

		biopsy := concept("RID-001", "CT guided lung biopsy", exam.ComponentSet{
			Anatomy: []string{"lung"}, Modality: "CT", Technique: []string{"biopsy"},
			Interventional: true,
		})
		got, _ := s.Score(in, comps, candidates(0.9, biopsy))
		require.Len(t, got, 1)
		assert.False(t, got[0].Blocking)
		assert.Greater(t, got[0].FinalScore, 0.0)
	})
}

func TestPreferences(t *testing.T) {
	s := newTestScorer(nil)

	t.Run("generic angiography prefers arterial study", func(t *testing.T) {
		in := &exam.NormalizedInput{
			RawText: "ct angiography chest",
			Tokens:  []string{"ct", "angiography", "chest"},
		}
		comps := exam.NewComponentSet()
		comps.Anatomy = []string{"chest"}
		comps.Modality = "CT"
		comps.Technique = []string{"angiography"}

		arterial := concept("RID-002", "CT angiography pulmonary artery", exam.ComponentSet{
			Anatomy: []string{"chest"}, Modality: "CT", Technique: []string{"angiography"},
		})
		venous := concept("RID-001", "CT venogram chest", exam.ComponentSet{
			Anatomy: []string{"chest"}, Modality: "CT", Technique: []string{"angiography"},
		})

		got, _ := s.Score(in, comps, candidates(0.8, venous, arterial))
		require.Len(t, got, 2)
		assert.Equal(t, "RID-002", got[0].Concept.ConceptID)
	})

	t.Run("explicit venous input gets no arterial nudge", func(t *testing.T) {
		in := &exam.NormalizedInput{
			RawText: "ct venography chest",
			Tokens:  []string{"ct", "venography", "chest"},
		}
		comps := exam.NewComponentSet()
		comps.Anatomy = []string{"chest"}
		comps.Modality = "CT"
		comps.Technique = []string{"venography"}

		shared := exam.ComponentSet{Anatomy: []string{"chest"}, Modality: "CT", Technique: []string{"venography"}}
		venous := concept("RID-001", "CT venogram chest", shared)
		arterial := concept("RID-002", "CT arteriogram chest", shared)

		got, _ := s.Score(in, comps, candidates(0.8, venous, arterial))
		require.Len(t, got, 2)
		assert.Equal(t, "RID-001", got[0].Concept.ConceptID)
	})

	t.Run("lung biopsy prefers ct guidance", func(t *testing.T) {
		in := &exam.NormalizedInput{RawText: "lung biopsy", Tokens: []string{"lung", "biopsy"}}
		comps := exam.NewComponentSet()
		comps.Anatomy = []string{"lung"}
		comps.Technique = []string{"biopsy"}
		comps.Interventional = true

		ct := concept("RID-002", "CT guided lung biopsy", exam.ComponentSet{
			Anatomy: []string{"lung"}, Modality: "CT", Technique: []string{"biopsy"}, Interventional: true,
		})
		fl := concept("RID-001", "Fluoroscopy guided lung biopsy", exam.ComponentSet{
			Anatomy: []string{"lung"}, Modality: "FL", Technique: []string{"biopsy"}, Interventional: true,
		})

		got, _ := s.Score(in, comps, candidates(0.8, fl, ct))
		require.Len(t, got, 2)
		assert.Equal(t, "RID-002", got[0].Concept.ConceptID)
	})

	t.Run("synonym resolved anatomy gets a bonus", func(t *testing.T) {
		study := concept("RID-001", "CT head without contrast", exam.ComponentSet{
			Anatomy: []string{"head"}, Modality: "CT", Contrast: exam.ContrastWithout,
		})
		comps := exam.NewComponentSet()
		comps.Anatomy = []string{"head"}
		comps.Modality = "CT"
		comps.Contrast = exam.ContrastWithout

		viaSynonym := &exam.NormalizedInput{RawText: "ct brain", Tokens: []string{"ct", "brain"}}
		literal := &exam.NormalizedInput{RawText: "ct head", Tokens: []string{"ct", "head"}}

		a, _ := s.Score(viaSynonym, comps, candidates(0.5, study))
		b, _ := s.Score(literal, comps, candidates(0.5, study))
		require.Len(t, a, 1)
		require.Len(t, b, 1)
		assert.Greater(t, a[0].FinalScore, b[0].FinalScore)
	})

	t.Run("generic input prefers the generic study", func(t *testing.T) {
		in := &exam.NormalizedInput{RawText: "ct chest", Tokens: []string{"ct", "chest"}}
		comps := exam.NewComponentSet()
		comps.Anatomy = []string{"chest"}
		comps.Modality = "CT"

		shared := exam.ComponentSet{Anatomy: []string{"chest"}, Modality: "CT"}
		detailed := concept("RID-001", "CT chest protocol study", shared)
		generic := concept("RID-002", "CT chest routine", shared)

		got, _ := s.Score(in, comps, candidates(0.5, detailed, generic))
		require.Len(t, got, 2)
		assert.Equal(t, "RID-002", got[0].Concept.ConceptID)
	})

	t.Run("exact name match gets a bonus", func(t *testing.T) {
		in := &exam.NormalizedInput{
			RawText: "ct head without contrast",
			Tokens:  []string{"ct", "head", "without", "contrast"},
		}
		comps := exam.NewComponentSet()
		comps.Anatomy = []string{"head"}
		comps.Modality = "CT"
		comps.Contrast = exam.ContrastWithout

		shared := exam.ComponentSet{Anatomy: []string{"head"}, Modality: "CT", Contrast: exam.ContrastWithout}
		exact := concept("RID-002", "CT head without contrast", shared)
		near := concept("RID-001", "CT head native study", shared)

		got, _ := s.Score(in, comps, candidates(0.5, near, exact))
		require.Len(t, got, 2)
		assert.Equal(t, "RID-002", got[0].Concept.ConceptID)
		assert.Greater(t, got[0].FinalScore, got[1].FinalScore)
	})
}

func TestScoreGateDiagnostics(t *testing.T) {
	s := newTestScorer(nil)

	in := &exam.NormalizedInput{RawText: "us head", Tokens: []string{"us", "head"}}
	comps := exam.NewComponentSet()
	comps.Anatomy = []string{"head"}
	comps.Modality = "US"

	ctHead := concept("RID-001", "CT head without contrast", exam.ComponentSet{
		Anatomy: []string{"head"}, Modality: "CT",
	})
	ctChest := concept("RID-002", "CT chest without contrast", exam.ComponentSet{
		Anatomy: []string{"chest"}, Modality: "CT",
	})

	got, gated := s.Score(in, comps, candidates(0.8, ctChest, ctHead))
	assert.Empty(t, got)
	require.Len(t, gated, 2)
	// Closest candidate first: anatomy agrees, only the modality fell short.
	assert.Equal(t, "RID-001", gated[0].ConceptID)
	assert.Equal(t, "below minimum modality score", gated[0].Reason)
	assert.Greater(t, gated[0].Component, gated[1].Component)
}

func TestScoreDeterminism(t *testing.T) {
	s := newTestScorer(nil)
	in, comps := ctHeadInput(exam.ContrastWithout)

	shared := exam.ComponentSet{Anatomy: []string{"head"}, Modality: "CT", Contrast: exam.ContrastWithout}
	pool := candidates(0.8,
		concept("RID-003", "CT head native", shared),
		concept("RID-001", "CT head native", shared),
		concept("RID-002", "CT head native", shared),
	)

	first, _ := s.Score(in, comps, pool)
	require.Len(t, first, 3)
	for i := 0; i < 5; i++ {
		again, _ := s.Score(in, comps, pool)
		require.Len(t, again, len(first))
		for j := range first {
			assert.Equal(t, first[j].Concept.ConceptID, again[j].Concept.ConceptID)
			assert.InDelta(t, first[j].FinalScore, again[j].FinalScore, 1e-12)
		}
	}
	// Tied scores settle on concept ID.
	assert.Equal(t, "RID-001", first[0].Concept.ConceptID)
	assert.Equal(t, "RID-002", first[1].Concept.ConceptID)
	assert.Equal(t, "RID-003", first[2].Concept.ConceptID)
}

func TestScoreThresholdMonotonicity(t *testing.T) {
	in, comps := ctHeadInput(exam.ContrastWithout)

	full := concept("RID-001", "CT head native", exam.ComponentSet{
		Anatomy: []string{"head"}, Modality: "CT", Contrast: exam.ContrastWithout,
	})
	unspecified := concept("RID-002", "CT head study", exam.ComponentSet{
		Anatomy: []string{"head"}, Modality: "CT",
	})
	mismatch := concept("RID-003", "CT head with contrast", exam.ComponentSet{
		Anatomy: []string{"head"}, Modality: "CT", Contrast: exam.ContrastWith,
	})

	survivors := func(combinedMin float64) map[string]bool {
		rules := config.DefaultRules()
		rules.MinimumComponentThresholds.CombinedMin = combinedMin
		got, _ := newTestScorer(rules).Score(in, comps, candidates(0.8, full, unspecified, mismatch))
		ids := make(map[string]bool, len(got))
		for _, sc := range got {
			ids[sc.Concept.ConceptID] = true
		}
		return ids
	}

	prev := survivors(0)
	assert.Len(t, prev, 3)
	for _, min := range []float64{0.30, 0.85, 0.95, 1.0} {
		next := survivors(min)
		for id := range next {
			assert.Truef(t, prev[id], "raising combined_min to %.2f admitted %s", min, id)
		}
		prev = next
	}
	assert.Empty(t, survivors(1.0)[mismatch.ConceptID])
}

func TestSpecificityAdjustmentCap(t *testing.T) {
	in := &exam.NormalizedInput{RawText: "ct chest", Tokens: []string{"ct", "chest"}}
	comps := exam.NewComponentSet()
	comps.Anatomy = []string{"chest"}
	comps.Modality = "CT"

	// Three filler words run the raw penalty past the default cap.
	padded := concept("RID-001", "CT chest misc service charge", exam.ComponentSet{
		Anatomy: []string{"chest"}, Modality: "CT",
	})

	scoreWithCap := func(maxAdjustment float64) float64 {
		rules := config.DefaultRules()
		rules.ClinicalSpecificityScoring.MaxAdjustment = maxAdjustment
		got, _ := newTestScorer(rules).Score(in, comps, candidates(0.5, padded))
		require.Len(t, got, 1)
		return got[0].FinalScore
	}

	loose := scoreWithCap(0.10)
	tight := scoreWithCap(0.02)
	assert.Greater(t, tight, loose)
}
