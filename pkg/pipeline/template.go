// Package pipeline provides the pipeline execution domain model: declarative
// templates, semantic validation, prompt rendering, and the event-sourced run
// state produced by folding events.
//
// Template documents follow a YAML format with top-level metadata, defaults,
// inputs, and steps sections. Declaration order of inputs and steps is
// preserved: it breaks ties in topological scheduling and drives UI ordering.
package pipeline

import (
	"fmt"

	"github.com/writeit/writeit/pkg/errors"
	"gopkg.in/yaml.v3"
)

// InputType is the declared type of a template input.
type InputType string

const (
	// InputTypeText is a free-form text input.
	InputTypeText InputType = "text"

	// InputTypeChoice is a single selection from a fixed option list.
	InputTypeChoice InputType = "choice"
)

// StepType represents the type of pipeline step.
type StepType string

const (
	// StepTypeLLMGenerate makes an LLM call to produce new content.
	StepTypeLLMGenerate StepType = "llm_generate"

	// StepTypeLLMRefine makes an LLM call that refines prior step output.
	StepTypeLLMRefine StepType = "llm_refine"

	// StepTypeUserSelection pauses for the user to pick among responses.
	StepTypeUserSelection StepType = "user_selection"

	// StepTypeTransform applies a jq expression to the step context.
	StepTypeTransform StepType = "transform"
)

// MaxSteps is the default upper bound on steps per template.
const MaxSteps = 50

// Metadata holds the descriptive header of a template document.
type Metadata struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Version     string   `yaml:"version" json:"version"`
	Author      string   `yaml:"author,omitempty" json:"author,omitempty"`
	Created     string   `yaml:"created,omitempty" json:"created,omitempty"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// InputSpec describes a single template input parameter.
type InputSpec struct {
	// Type is the input type (text, choice)
	Type InputType `yaml:"type" json:"type"`

	// Label is the human-readable prompt shown for this input
	Label string `yaml:"label" json:"label"`

	// Required marks inputs that must be supplied at run time
	Required bool `yaml:"required" json:"required"`

	// Default provides a fallback value when the input is omitted
	Default any `yaml:"default,omitempty" json:"default,omitempty"`

	// Options lists the allowed values for choice inputs
	Options []string `yaml:"options,omitempty" json:"options,omitempty"`

	// MaxLength bounds text input length in characters (0 = unbounded)
	MaxLength int `yaml:"max_length,omitempty" json:"max_length,omitempty"`

	// Help provides additional guidance shown in UIs
	Help string `yaml:"help,omitempty" json:"help,omitempty"`

	// Placeholder is the UI placeholder text
	Placeholder string `yaml:"placeholder,omitempty" json:"placeholder,omitempty"`
}

// StepSpec describes a single pipeline step.
type StepSpec struct {
	// Name is the human-readable step name
	Name string `yaml:"name" json:"name"`

	// Description explains what this step produces
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Type is the step type (llm_generate, llm_refine, user_selection, transform)
	Type StepType `yaml:"type" json:"type"`

	// PromptTemplate is the prompt with {{ path }} placeholders.
	// For transform steps it holds the jq expression instead.
	PromptTemplate string `yaml:"prompt_template" json:"prompt_template"`

	// ModelPreference is the ordered list of model ids to try
	ModelPreference []string `yaml:"model_preference,omitempty" json:"model_preference,omitempty"`

	// DependsOn lists step keys that must complete before this step runs
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// ResponseFormat optionally constrains the response shape
	ResponseFormat string `yaml:"response_format,omitempty" json:"response_format,omitempty"`

	// UserFeedback marks steps that accept user feedback after completion
	UserFeedback bool `yaml:"user_feedback,omitempty" json:"user_feedback,omitempty"`
}

// Template is an immutable, parsed pipeline template.
// InputKeys and StepKeys preserve document declaration order.
type Template struct {
	// ID is the stable template identifier
	ID string `yaml:"id,omitempty" json:"id"`

	Metadata Metadata `yaml:"metadata" json:"metadata"`

	// Defaults holds substitutable constants reachable as defaults.*
	Defaults map[string]any `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	// Inputs maps input keys to their specs
	Inputs map[string]InputSpec `yaml:"-" json:"inputs"`

	// InputKeys preserves input declaration order for UIs
	InputKeys []string `yaml:"-" json:"-"`

	// Steps maps step keys to their specs
	Steps map[string]StepSpec `yaml:"-" json:"steps"`

	// StepKeys preserves step declaration order; it breaks topological ties
	StepKeys []string `yaml:"-" json:"-"`
}

// templateDoc is the raw YAML shape; inputs and steps are decoded from
// yaml.Node to preserve key order, which plain maps would lose.
type templateDoc struct {
	ID       string         `yaml:"id"`
	Metadata Metadata       `yaml:"metadata"`
	Defaults map[string]any `yaml:"defaults"`
	Inputs   yaml.Node      `yaml:"inputs"`
	Steps    yaml.Node      `yaml:"steps"`
}

// ParseTemplate parses a YAML template document.
// Parsing is structural only; semantic checks live in the Validator.
func ParseTemplate(data []byte) (*Template, error) {
	var doc templateDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &errors.ValidationError{
			Field:      "template",
			Message:    fmt.Sprintf("invalid YAML: %v", err),
			Suggestion: "check the document against the template format reference",
		}
	}

	tmpl := &Template{
		ID:       doc.ID,
		Metadata: doc.Metadata,
		Defaults: doc.Defaults,
		Inputs:   make(map[string]InputSpec),
		Steps:    make(map[string]StepSpec),
	}
	if tmpl.ID == "" {
		tmpl.ID = doc.Metadata.Name
	}
	if tmpl.Metadata.Version == "" {
		tmpl.Metadata.Version = "1.0"
	}

	if err := decodeOrdered(&doc.Inputs, "inputs", func(key string, node *yaml.Node) error {
		var spec InputSpec
		if err := node.Decode(&spec); err != nil {
			return fmt.Errorf("input %q: %w", key, err)
		}
		if spec.Type == "" {
			spec.Type = InputTypeText
		}
		tmpl.Inputs[key] = spec
		tmpl.InputKeys = append(tmpl.InputKeys, key)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := decodeOrdered(&doc.Steps, "steps", func(key string, node *yaml.Node) error {
		var spec StepSpec
		if err := node.Decode(&spec); err != nil {
			return fmt.Errorf("step %q: %w", key, err)
		}
		if spec.Name == "" {
			spec.Name = key
		}
		tmpl.Steps[key] = spec
		tmpl.StepKeys = append(tmpl.StepKeys, key)
		return nil
	}); err != nil {
		return nil, err
	}

	return tmpl, nil
}

// decodeOrdered walks a YAML mapping node in document order.
func decodeOrdered(node *yaml.Node, section string, fn func(key string, value *yaml.Node) error) error {
	if node.Kind == 0 || node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return &errors.ValidationError{
			Field:   section,
			Message: fmt.Sprintf("%s must be a mapping", section),
		}
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode := node.Content[i]
		valNode := node.Content[i+1]
		if err := fn(keyNode.Value, valNode); err != nil {
			return &errors.ValidationError{
				Field:   section,
				Message: err.Error(),
			}
		}
	}
	return nil
}

// DependencyClosure returns the transitive dependency set of a step,
// including the step's direct dependencies. Cycles are tolerated here;
// the validator reports them separately.
func (t *Template) DependencyClosure(stepKey string) map[string]bool {
	closure := make(map[string]bool)
	var visit func(key string)
	visit = func(key string) {
		spec, ok := t.Steps[key]
		if !ok {
			return
		}
		for _, dep := range spec.DependsOn {
			if closure[dep] {
				continue
			}
			closure[dep] = true
			visit(dep)
		}
	}
	visit(stepKey)
	return closure
}

// TopologicalOrder returns the step keys sorted so every step follows its
// dependencies, with ties broken by declaration order. Returns an error if
// the dependency graph has a cycle or a missing reference.
func (t *Template) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(t.Steps))
	dependents := make(map[string][]string, len(t.Steps))

	for _, key := range t.StepKeys {
		indegree[key] = 0
	}
	for _, key := range t.StepKeys {
		for _, dep := range t.Steps[key].DependsOn {
			if _, ok := t.Steps[dep]; !ok {
				return nil, &errors.ValidationError{
					Field:   fmt.Sprintf("steps.%s.depends_on", key),
					Message: fmt.Sprintf("unknown step %q", dep),
				}
			}
			indegree[key]++
			dependents[dep] = append(dependents[dep], key)
		}
	}

	// Kahn's algorithm; the ready list is rescanned in declaration order so
	// mutually independent steps keep their document ordering.
	order := make([]string, 0, len(t.StepKeys))
	done := make(map[string]bool, len(t.StepKeys))
	for len(order) < len(t.StepKeys) {
		progressed := false
		for _, key := range t.StepKeys {
			if done[key] || indegree[key] != 0 {
				continue
			}
			done[key] = true
			order = append(order, key)
			for _, dep := range dependents[key] {
				indegree[dep]--
			}
			progressed = true
		}
		if !progressed {
			return nil, &errors.ValidationError{
				Field:   "steps",
				Message: "dependency graph has a cycle",
			}
		}
	}
	return order, nil
}
