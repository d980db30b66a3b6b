// Package modules holds the module catalog and the per-conversation status
// transitions (recommended, then completed).
package modules

import (
	"fmt"
	"math"
	"strings"

	"github.com/ashita-ai/kokoro/internal/model"
)

// Catalog is the ordered, read-only set of module definitions. Declaration
// order is significant: it breaks score ties in the recommendation engine.
type Catalog struct {
	defs  []model.ModuleDefinition
	index map[string]int
}

// NewCatalog validates defs and builds a catalog. Module ids must be unique
// and base priorities must lie in (0,1]. Trigger contents are not checked
// here; a malformed trigger only disables its own module at scoring time.
func NewCatalog(defs []model.ModuleDefinition) (*Catalog, error) {
	c := &Catalog{
		defs:  make([]model.ModuleDefinition, 0, len(defs)),
		index: make(map[string]int, len(defs)),
	}
	for i, d := range defs {
		if strings.TrimSpace(d.ID) == "" {
			return nil, fmt.Errorf("modules: definition %d: id is required", i)
		}
		if _, dup := c.index[d.ID]; dup {
			return nil, fmt.Errorf("modules: duplicate module id %q", d.ID)
		}
		if math.IsNaN(d.BasePriority) || d.BasePriority <= 0 || d.BasePriority > 1 {
			return nil, fmt.Errorf("modules: module %s: base_priority %v not in (0,1]", d.ID, d.BasePriority)
		}
		c.index[d.ID] = len(c.defs)
		c.defs = append(c.defs, d)
	}
	return c, nil
}

// Get returns the definition for id.
func (c *Catalog) Get(id string) (model.ModuleDefinition, error) {
	i, ok := c.index[id]
	if !ok {
		return model.ModuleDefinition{}, fmt.Errorf("modules: %w: %s", model.ErrUnknownModule, id)
	}
	return c.defs[i], nil
}

// List returns all definitions in declaration order. The slice is a copy.
func (c *Catalog) List() []model.ModuleDefinition {
	out := make([]model.ModuleDefinition, len(c.defs))
	copy(out, c.defs)
	return out
}

// Len is the number of modules.
func (c *Catalog) Len() int {
	return len(c.defs)
}

// ForQuestionnaire returns the first module linked to questionnaireID.
func (c *Catalog) ForQuestionnaire(questionnaireID string) (model.ModuleDefinition, bool) {
	if questionnaireID == "" {
		return model.ModuleDefinition{}, false
	}
	for _, d := range c.defs {
		if d.QuestionnaireID == questionnaireID {
			return d, true
		}
	}
	return model.ModuleDefinition{}, false
}
