package exam

import (
	"encoding/json"
	"os"
	"sort"
	"strings"

	apperrors "github.com/openradx/exammatch/pkg/errors"
)

// Catalog is the in-memory reference terminology.  It is built once, then
// shared read-only by every matching request; no method mutates it after
// NewCatalog returns.
type Catalog struct {
	concepts []*ReferenceConcept
	byID     map[string]*ReferenceConcept
}

// NewCatalog builds a catalog from a concept list.  Concepts are normalized,
// validated, and ordered by concept ID for deterministic iteration.
func NewCatalog(concepts []*ReferenceConcept) (*Catalog, error) {
	if len(concepts) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeCatalogEmpty, "reference catalog contains no concepts")
	}
	byID := make(map[string]*ReferenceConcept, len(concepts))
	for _, c := range concepts {
		if c.ConceptID == "" {
			return nil, apperrors.Newf(apperrors.ErrCodeCatalogCorrupt,
				"concept %q has no concept_id", c.FullySpecifiedName)
		}
		if c.FullySpecifiedName == "" {
			return nil, apperrors.Newf(apperrors.ErrCodeCatalogCorrupt,
				"concept %s has no fully specified name", c.ConceptID)
		}
		if _, dup := byID[c.ConceptID]; dup {
			return nil, apperrors.Newf(apperrors.ErrCodeCatalogCorrupt,
				"duplicate concept_id %s", c.ConceptID)
		}
		c.Components.Normalize()
		if c.Components.Modality != "" {
			c.Components.Modality = strings.ToUpper(c.Components.Modality)
		}
		byID[c.ConceptID] = c
	}
	ordered := make([]*ReferenceConcept, len(concepts))
	copy(ordered, concepts)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ConceptID < ordered[j].ConceptID })
	return &Catalog{concepts: ordered, byID: byID}, nil
}

// LoadCatalogFile reads a JSON concept list from disk and builds a catalog.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeCatalogCorrupt, "read catalog file")
	}
	var concepts []*ReferenceConcept
	if err := json.Unmarshal(data, &concepts); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeCatalogCorrupt, "parse catalog file")
	}
	return NewCatalog(concepts)
}

// Get returns the concept with the given ID, or nil when absent.
func (c *Catalog) Get(conceptID string) *ReferenceConcept {
	return c.byID[conceptID]
}

// All returns the full concept list ordered by concept ID.  Callers must not
// modify the returned slice or its elements.
func (c *Catalog) All() []*ReferenceConcept {
	return c.concepts
}

// Size returns the number of concepts in the catalog.
func (c *Catalog) Size() int {
	return len(c.concepts)
}
