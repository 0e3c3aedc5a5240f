package exam

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openradx/exammatch/pkg/errors"
)

func testConcepts() []*ReferenceConcept {
	return []*ReferenceConcept{
		{
			ConceptID:          "RID-002",
			FullySpecifiedName: "CT chest with contrast",
			Components: ComponentSet{
				Anatomy:  []string{"Chest"},
				Modality: "ct",
				Contrast: ContrastWith,
			},
		},
		{
			ConceptID:          "RID-001",
			FullySpecifiedName: "CT head without contrast",
			Components: ComponentSet{
				Anatomy:  []string{"head"},
				Modality: "CT",
				Contrast: ContrastWithout,
			},
		},
	}
}

func TestNewCatalog(t *testing.T) {
	t.Run("normalizes and orders concepts", func(t *testing.T) {
		cat, err := NewCatalog(testConcepts())
		require.NoError(t, err)
		assert.Equal(t, 2, cat.Size())

		all := cat.All()
		assert.Equal(t, "RID-001", all[0].ConceptID)
		assert.Equal(t, "RID-002", all[1].ConceptID)

		chest := cat.Get("RID-002")
		require.NotNil(t, chest)
		assert.Equal(t, []string{"chest"}, chest.Components.Anatomy)
		assert.Equal(t, "CT", chest.Components.Modality)
	})

	t.Run("empty catalog rejected", func(t *testing.T) {
		_, err := NewCatalog(nil)
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCatalogEmpty))
	})

	t.Run("duplicate concept id rejected", func(t *testing.T) {
		concepts := testConcepts()
		concepts[1].ConceptID = concepts[0].ConceptID
		_, err := NewCatalog(concepts)
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCatalogCorrupt))
	})

	t.Run("missing concept id rejected", func(t *testing.T) {
		concepts := testConcepts()
		concepts[0].ConceptID = ""
		_, err := NewCatalog(concepts)
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCatalogCorrupt))
	})

	t.Run("unknown id lookup returns nil", func(t *testing.T) {
		cat, err := NewCatalog(testConcepts())
		require.NoError(t, err)
		assert.Nil(t, cat.Get("RID-999"))
	})
}

func TestLoadCatalogFile(t *testing.T) {
	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalog.json")
		payload := `[
			{"concept_id": "RID-001", "fully_specified_name": "CT head without contrast",
			 "components": {"anatomy": ["head"], "modality": "CT", "contrast": "without", "laterality": "none"}}
		]`
		require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

		cat, err := LoadCatalogFile(path)
		require.NoError(t, err)
		assert.Equal(t, 1, cat.Size())
		assert.Equal(t, "CT head without contrast", cat.Get("RID-001").FullySpecifiedName)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadCatalogFile(filepath.Join(t.TempDir(), "nope.json"))
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCatalogCorrupt))
	})

	t.Run("malformed json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
		_, err := LoadCatalogFile(path)
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCatalogCorrupt))
	})
}
