package terminology

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Concept describes one condition code: the label used on charts and in the
// summary file, plus coding-system identifiers where known.
type Concept struct {
	Display string `yaml:"display" json:"display"`
	SNOMED  string `yaml:"snomed" json:"snomed"`
	ICD10   string `yaml:"icd10" json:"icd10"`
}

type Catalog struct {
	Concepts map[string]Concept `yaml:"concepts" json:"concepts"`
}

func Load(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultCatalog(), err
	}
	var cat Catalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return Catalog{}, err
	}
	if len(cat.Concepts) == 0 {
		return Catalog{}, fmt.Errorf("terminology catalog empty")
	}
	return cat, nil
}

func (c Catalog) Lookup(code string) (Concept, bool) {
	if c.Concepts == nil {
		return Concept{}, false
	}
	concept, ok := c.Concepts[strings.ToLower(code)]
	if ok {
		return concept, true
	}
	for k, v := range c.Concepts {
		if strings.EqualFold(k, code) {
			return v, true
		}
	}
	return Concept{}, false
}

// Display returns the chart label for a condition code, falling back to the
// raw code when the catalog has no entry.
func (c Catalog) Display(code string) string {
	if concept, ok := c.Lookup(code); ok && concept.Display != "" {
		return concept.Display
	}
	return code
}

func DefaultCatalog() Catalog {
	return Catalog{Concepts: map[string]Concept{
		"flu": {
			Display: "Influenza",
			SNOMED:  "6142004",
			ICD10:   "J11.1",
		},
		"hypertension": {
			Display: "Hypertension",
			SNOMED:  "38341003",
			ICD10:   "I10",
		},
		"diabetes": {
			Display: "Diabetes Mellitus",
			SNOMED:  "73211009",
			ICD10:   "E11.9",
		},
		"fever": {
			Display: "Fever",
			SNOMED:  "386661006",
			ICD10:   "R50.9",
		},
	}}
}
