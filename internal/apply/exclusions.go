package apply

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/presetd/presetd/internal/confstore"
)

// ExclusionSet holds the site-configured sensitive settings that apply must
// skip unless explicitly overridden.
type ExclusionSet map[string]struct{}

func exclusionKey(scope, name string) string {
	return name + "@@" + scope
}

// ParseExclusions parses the comma-separated `name@@scope` list (scope
// "none" for global options). A token without a scope part means a global
// option; malformed tokens are skipped with a warning.
func ParseExclusions(raw string, logger *logrus.Logger) ExclusionSet {
	set := make(ExclusionSet)
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}

		name := token
		scope := confstore.ScopeNone
		if idx := strings.Index(token, "@@"); idx >= 0 {
			name = strings.TrimSpace(token[:idx])
			scope = strings.TrimSpace(token[idx+2:])
		}
		if name == "" || scope == "" {
			if logger != nil {
				logger.WithField("token", token).Warn("Skipping malformed sensitive-settings token")
			}
			continue
		}

		set[exclusionKey(scope, name)] = struct{}{}
	}
	return set
}

// Contains reports whether (scope, name) is excluded
func (s ExclusionSet) Contains(scope, name string) bool {
	_, ok := s[exclusionKey(scope, name)]
	return ok
}
