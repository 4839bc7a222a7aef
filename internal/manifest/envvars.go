package manifest

import (
	"regexp"
	"strings"
)

var envVarPattern = regexp.MustCompile(`\$\{.*?}|\$[A-Za-z_][A-Za-z0-9_]*`)

// FindEnvVars returns the names of every environment variable referenced in
// s, in both `$VAR` and `${VAR}` forms. For the braced form, shell default
// syntax (`${VAR:-default}`) yields the variable itself plus any variables
// referenced inside the default.
func FindEnvVars(s string) []string {
	var result []string
	for _, matched := range envVarPattern.FindAllString(s, -1) {
		if strings.HasPrefix(matched, "${") {
			inner := matched[2 : len(matched)-1]
			main, def, hasDefault := strings.Cut(inner, "-")
			main, _, _ = strings.Cut(main, ":")
			result = append(result, main)
			if hasDefault {
				result = append(result, FindEnvVars(def)...)
			}
		} else {
			result = append(result, matched[1:])
		}
	}
	return result
}
