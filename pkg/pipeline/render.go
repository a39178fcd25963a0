package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/writeit/writeit/pkg/errors"
)

// RenderMode controls how missing variables are handled during rendering.
type RenderMode string

const (
	// RenderStrict fails on the first missing variable.
	RenderStrict RenderMode = "strict"

	// RenderPermissive substitutes the empty string for missing variables
	// and records them in the result.
	RenderPermissive RenderMode = "permissive"

	// RenderPreview keeps missing variables as literal {{ path }} markers.
	RenderPreview RenderMode = "preview"
)

// RenderContext is the nested lookup map for variable resolution.
// Top-level namespaces are inputs, steps, defaults, and global.
type RenderContext struct {
	Inputs   map[string]any
	Steps    map[string]any
	Defaults map[string]any
	Global   map[string]any
}

// NewRenderContext creates an empty render context.
func NewRenderContext() *RenderContext {
	return &RenderContext{
		Inputs:   make(map[string]any),
		Steps:    make(map[string]any),
		Defaults: make(map[string]any),
		Global:   make(map[string]any),
	}
}

// SetStepOutput records a completed step's output under steps.<key>.
// Selected is reachable as steps.<key>.selected, the response list as
// steps.<key>.responses; a bare steps.<key> reference renders the selected
// response (or the first response when none was selected).
func (c *RenderContext) SetStepOutput(stepKey string, responses []string, selected string) {
	if selected == "" && len(responses) > 0 {
		selected = responses[0]
	}
	asAny := make([]any, len(responses))
	for i, r := range responses {
		asAny[i] = r
	}
	c.Steps[stepKey] = map[string]any{
		"selected":  selected,
		"responses": asAny,
	}
}

// RenderResult reports the outcome of rendering one prompt template.
type RenderResult struct {
	Text             string
	UsedVariables    map[string]bool
	MissingVariables map[string]bool
	Success          bool
}

// Renderer substitutes {{ path }} placeholders from a RenderContext.
// There is no expression language, no conditionals, and no loops: that is a
// deliberate simplicity constraint of the template format.
type Renderer struct {
	mode RenderMode
}

// NewRenderer creates a renderer in the given mode.
func NewRenderer(mode RenderMode) *Renderer {
	return &Renderer{mode: mode}
}

// Render substitutes all placeholders in the template.
// In strict mode the first missing variable aborts with a ValidationError;
// the result still carries the full used/missing accounting.
func (r *Renderer) Render(tmpl string, ctx *RenderContext) (*RenderResult, error) {
	result := &RenderResult{
		UsedVariables:    make(map[string]bool),
		MissingVariables: make(map[string]bool),
	}
	if ctx == nil {
		ctx = NewRenderContext()
	}

	text := variablePattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := variablePattern.FindStringSubmatch(match)[1]
		val, ok := ctx.lookup(path)
		if !ok {
			result.MissingVariables[path] = true
			switch r.mode {
			case RenderPreview:
				return fmt.Sprintf("{{ %s }}", path)
			default:
				return ""
			}
		}
		result.UsedVariables[path] = true
		return renderScalar(val)
	})

	if r.mode == RenderStrict && len(result.MissingVariables) > 0 {
		missing := make([]string, 0, len(result.MissingVariables))
		for path := range result.MissingVariables {
			missing = append(missing, path)
		}
		return result, &errors.ValidationError{
			Field:      "prompt_template",
			Message:    fmt.Sprintf("unresolved variables: %s", strings.Join(missing, ", ")),
			Suggestion: "check the variable paths against declared inputs and dependencies",
		}
	}

	result.Text = text
	result.Success = true
	return result, nil
}

// lookup resolves a dotted path against the context namespaces.
// A bare steps.<key> reference resolves to the selected response.
func (c *RenderContext) lookup(path string) (any, bool) {
	segments := strings.Split(path, ".")
	var root map[string]any
	switch segments[0] {
	case "inputs":
		root = c.Inputs
	case "steps":
		root = c.Steps
	case "defaults":
		root = c.Defaults
	case "global":
		root = c.Global
	default:
		return nil, false
	}

	var current any = root
	for _, seg := range segments[1:] {
		index := -1
		if open := strings.IndexByte(seg, '['); open >= 0 && strings.HasSuffix(seg, "]") {
			n, err := strconv.Atoi(seg[open+1 : len(seg)-1])
			if err != nil {
				return nil, false
			}
			index = n
			seg = seg[:open]
		}

		asMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = asMap[seg]
		if !ok {
			return nil, false
		}

		if index >= 0 {
			list, ok := current.([]any)
			if !ok || index >= len(list) {
				return nil, false
			}
			current = list[index]
		}
	}

	// Bare steps.<key> renders the selected response.
	if len(segments) == 2 && segments[0] == "steps" {
		if m, ok := current.(map[string]any); ok {
			if sel, ok := m["selected"]; ok {
				return sel, true
			}
		}
	}

	return current, true
}

// renderScalar converts a value to its canonical string form: booleans as
// true/false, numbers without trailing zeros, lists by their textual
// representation.
func renderScalar(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = renderScalar(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
