// Package catalog loads the static configuration the engine runs on: signal
// rule tables, aggregator markers, module definitions and questionnaires.
//
// The catalog is read once at startup and is read-only afterwards. A YAML
// file can replace the built-in catalog entirely.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/modules"
	"github.com/ashita-ai/kokoro/internal/recommend"
	"github.com/ashita-ai/kokoro/internal/scoring"
	"github.com/ashita-ai/kokoro/internal/signals"
	"github.com/ashita-ai/kokoro/internal/state"
)

//go:embed default.yaml
var defaultYAML []byte

// Catalog is the decoded configuration document.
type Catalog struct {
	Signals        signals.Rules                   `yaml:"signals"`
	State          state.Config                    `yaml:"state"`
	Modules        []model.ModuleDefinition        `yaml:"modules"`
	Questionnaires []model.QuestionnaireDefinition `yaml:"questionnaires"`

	modules        *modules.Catalog
	questionnaires map[string]int
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return Parse(defaultYAML)
}

// Load reads a catalog from path. An empty path yields the built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a YAML catalog. Unknown fields are rejected so
// typos in rule tables surface at startup.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	if err := c.init(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) init() error {
	if err := c.Signals.Validate(); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	c.State = c.State.WithDefaults()
	if err := c.State.Validate(); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	c.questionnaires = make(map[string]int, len(c.Questionnaires))
	for i := range c.Questionnaires {
		q := &c.Questionnaires[i]
		if q.ID == "" {
			return fmt.Errorf("catalog: questionnaire %d: id is required", i)
		}
		if _, dup := c.questionnaires[q.ID]; dup {
			return fmt.Errorf("catalog: duplicate questionnaire id %q", q.ID)
		}
		for j := range q.Questions {
			q.Questions[j].Position = j + 1
		}
		if err := scoring.CheckDefinition(*q); err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		c.questionnaires[q.ID] = i
	}

	mc, err := modules.NewCatalog(c.Modules)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	for _, m := range c.Modules {
		if m.QuestionnaireID == "" {
			continue
		}
		if _, ok := c.questionnaires[m.QuestionnaireID]; !ok {
			return fmt.Errorf("catalog: module %s: %w: %s", m.ID, model.ErrUnknownQuestionnaire, m.QuestionnaireID)
		}
	}
	c.modules = mc
	return nil
}

// ModuleCatalog returns the validated module catalog.
func (c *Catalog) ModuleCatalog() *modules.Catalog {
	return c.modules
}

// Questionnaire returns the questionnaire with id.
func (c *Catalog) Questionnaire(id string) (model.QuestionnaireDefinition, error) {
	i, ok := c.questionnaires[id]
	if !ok {
		return model.QuestionnaireDefinition{}, fmt.Errorf("catalog: %w: %s", model.ErrUnknownQuestionnaire, id)
	}
	return c.Questionnaires[i], nil
}

// Lint reports problems that do not prevent startup but disable part of the
// catalog at runtime: malformed triggers (the module never scores) and
// malformed weighted formulas (the standardized score is always null).
func (c *Catalog) Lint() []error {
	var problems []error
	for _, m := range c.Modules {
		if err := recommend.CheckTrigger(m); err != nil {
			problems = append(problems, err)
		}
	}
	for _, q := range c.Questionnaires {
		if q.Strategy != model.StrategyWeighted {
			continue
		}
		if cfgErr := scoring.CheckFormula(q); cfgErr != nil {
			problems = append(problems, cfgErr)
		}
	}
	return problems
}

// Strict returns the joined Lint problems, or nil.
func (c *Catalog) Strict() error {
	return errors.Join(c.Lint()...)
}
