package util

import (
	"strings"
)

// FilterOSArgs returns a copy of args that is safe to log: the value
// following any "--flag" whose name is not in whitelist is replaced with
// asterisks of the same length. Flag names match case-insensitively.
func FilterOSArgs(args []string, whitelist []string) []string {
	allowed := make(map[string]bool, len(whitelist))
	for _, name := range whitelist {
		allowed[name] = true
	}
	filtered := make([]string, len(args))
	maskNext := false
	for i, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--"):
			maskNext = !allowed[strings.ToLower(strings.TrimPrefix(arg, "--"))]
			filtered[i] = arg
		case maskNext:
			filtered[i] = strings.Repeat("*", len(arg))
			maskNext = false
		default:
			filtered[i] = arg
		}
	}
	return filtered
}
