// Package prompt renders {{variable}} templates used by agent specs to
// shape their inputs. Templates are plain strings; slots resolve from the
// call input and the shared execution context.
package prompt

import (
	"fmt"
	"regexp"
	"strings"
)

// slotRegex matches {{variable}} placeholders in templates.
var slotRegex = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Render substitutes every {{name}} slot in template with the matching
// value from vars, formatted with fmt.Sprint. A slot with no matching
// variable is an error naming the unresolved slots.
func Render(template string, vars map[string]interface{}) (string, error) {
	var missing []string
	seen := make(map[string]bool)
	out := slotRegex.ReplaceAllStringFunc(template, func(slot string) string {
		name := slotRegex.FindStringSubmatch(slot)[1]
		v, ok := vars[name]
		if !ok {
			if !seen[name] {
				seen[name] = true
				missing = append(missing, name)
			}
			return slot
		}
		return fmt.Sprint(v)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved template variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Variables returns the distinct slot names in template, in order of
// first appearance.
func Variables(template string) []string {
	matches := slotRegex.FindAllStringSubmatch(template, -1)
	seen := make(map[string]bool)
	var vars []string
	for _, match := range matches {
		if len(match) > 1 && !seen[match[1]] {
			seen[match[1]] = true
			vars = append(vars, match[1])
		}
	}
	return vars
}
