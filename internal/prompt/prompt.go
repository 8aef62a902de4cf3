// Package prompt resolves agent system prompts: world variables are parsed
// as dotenv text and substituted into {{ key }} placeholders per call. The
// stored template is never mutated.
package prompt

import (
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// ParseVariables interprets free-form text as KEY=value lines. Comments and
// blank lines are ignored, malformed lines are dropped, and the last value
// for a repeated key wins.
func ParseVariables(text string) map[string]string {
	vars := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		parsed, err := godotenv.Unmarshal(trimmed)
		if err != nil {
			continue
		}
		for k, v := range parsed {
			vars[k] = v
		}
	}
	return vars
}

// Render substitutes {{ key }} placeholders (inner whitespace optional) with
// values from vars. Undefined keys expand to the empty string.
func Render(template string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		return vars[key]
	})
}

// Resolve parses variables text and renders the template in one step.
func Resolve(template, variables string) string {
	return Render(template, ParseVariables(variables))
}
