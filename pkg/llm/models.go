package llm

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/writeit/writeit/pkg/errors"
)

var defaultsPattern = regexp.MustCompile(`\{\{\s*defaults\.([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)

// SelectModel resolves a model preference list to a concrete model id.
// It picks the first preference, substituting {{ defaults.X.Y }} placeholders
// from the defaults map. A preference whose defaults path is absent resolves
// to nothing and is skipped in favor of the next one.
func SelectModel(preferences []string, defaults map[string]any) (string, error) {
	for _, pref := range preferences {
		resolved, ok := resolvePreference(pref, defaults)
		if ok && resolved != "" {
			return resolved, nil
		}
	}
	return "", &errors.ModelUnavailableError{
		Model: strings.Join(preferences, ", "),
	}
}

func resolvePreference(pref string, defaults map[string]any) (string, bool) {
	complete := true
	out := defaultsPattern.ReplaceAllStringFunc(pref, func(match string) string {
		path := defaultsPattern.FindStringSubmatch(match)[1]
		val, ok := lookupDefaults(defaults, path)
		if !ok {
			complete = false
			return ""
		}
		return fmt.Sprintf("%v", val)
	})
	return strings.TrimSpace(out), complete
}

func lookupDefaults(defaults map[string]any, path string) (any, bool) {
	var current any = defaults
	for _, seg := range strings.Split(path, ".") {
		asMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = asMap[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
