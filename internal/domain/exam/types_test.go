package exam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashInput(t *testing.T) {
	t.Run("stable across calls", func(t *testing.T) {
		a := HashInput("CT CHEST W/C", "C123", "CT", "pacs-a")
		b := HashInput("CT CHEST W/C", "C123", "CT", "pacs-a")
		assert.Equal(t, a, b)
		assert.Len(t, a, 32)
	})

	t.Run("case and whitespace of raw text are folded", func(t *testing.T) {
		a := HashInput("  CT Chest  ", "", "CT", "")
		b := HashInput("ct chest", "", "CT", "")
		assert.Equal(t, a, b)
	})

	t.Run("identity fields are separated", func(t *testing.T) {
		// "ab"+"c" must not collide with "a"+"bc".
		a := HashInput("x", "ab", "c", "")
		b := HashInput("x", "a", "bc", "")
		assert.NotEqual(t, a, b)
	})

	t.Run("different source yields different id", func(t *testing.T) {
		a := HashInput("CT chest", "", "CT", "pacs-a")
		b := HashInput("CT chest", "", "CT", "pacs-b")
		assert.NotEqual(t, a, b)
	})
}

func TestComponentSetNormalize(t *testing.T) {
	cs := ComponentSet{
		Anatomy:   []string{"Chest", "chest", " lung ", ""},
		Technique: []string{"angiography", "Angiography"},
	}
	cs.Normalize()

	assert.Equal(t, []string{"chest", "lung"}, cs.Anatomy)
	assert.Equal(t, []string{"angiography"}, cs.Technique)
	assert.Equal(t, LateralityNone, cs.Laterality)
	assert.Equal(t, ContrastUnspecified, cs.Contrast)
	assert.Equal(t, GenderNone, cs.GenderContext)
	assert.Equal(t, AgeNone, cs.AgeContext)
}

func TestComponentSetMembership(t *testing.T) {
	cs := NewComponentSet()
	cs.Anatomy = []string{"chest"}
	cs.Technique = []string{"angiography"}

	assert.True(t, cs.HasAnatomy("chest"))
	assert.False(t, cs.HasAnatomy("head"))
	assert.True(t, cs.HasTechnique("angiography"))
	assert.False(t, cs.HasTechnique("biopsy"))
}

func TestEnumValidity(t *testing.T) {
	assert.True(t, LateralityBilateral.IsValid())
	assert.False(t, Laterality("sideways").IsValid())
	assert.True(t, ContrastWithout.IsValid())
	assert.False(t, Contrast("maybe").IsValid())
}

func TestNormalizedInputText(t *testing.T) {
	in := &NormalizedInput{
		RawText: "CT CHED W/C",
		Tokens:  []string{"ct", "head", "with", "contrast"},
	}
	assert.Equal(t, "ct head with contrast", in.Text())
	require.NotEmpty(t, in.UniqueID())
	assert.Equal(t, HashInput("CT CHED W/C", "", "", ""), in.UniqueID())
}

func TestRecordUniqueID(t *testing.T) {
	r := &Record{ExamName: "CT chest", ModalityCode: "CT", DataSource: "pacs-a"}
	assert.Equal(t, HashInput("CT chest", "", "CT", "pacs-a"), r.UniqueID())
}
