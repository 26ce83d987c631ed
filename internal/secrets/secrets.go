// Package secrets resolves secret availability for server onboarding.
//
// Secret values never pass through the conversation; the bridge only checks
// whether a named secret is present so it can tell the user what is missing.
package secrets

import (
	"os"
	"strings"
)

// Source answers whether a named secret exists. Implementations must never
// log or return values to callers that place them into chat content.
type Source interface {
	Lookup(name string) (value string, ok bool)
}

// Env reads secrets from the process environment. Secret names like
// "github.personal_access_token" map to "GITHUB_PERSONAL_ACCESS_TOKEN".
type Env struct {
	// Prefix is prepended to every mapped key, e.g. "BRIDGE_".
	Prefix string
}

var envKeyReplacer = strings.NewReplacer(".", "_", "-", "_")

func (e Env) Lookup(name string) (string, bool) {
	key := strings.ToUpper(envKeyReplacer.Replace(name))
	if e.Prefix != "" {
		key = e.Prefix + key
	}
	return os.LookupEnv(key)
}

// Missing returns the subset of names the source cannot resolve, preserving
// order.
func Missing(src Source, names []string) []string {
	var missing []string
	for _, name := range names {
		if _, ok := src.Lookup(name); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
