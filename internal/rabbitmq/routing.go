package rabbitmq

import (
	"fmt"
	"strings"
)

// MatchRoutingKey reports whether a routing key matches a topic binding
// pattern. Segments are dot-separated; "*" matches exactly one segment and
// "#" matches zero or more.
func MatchRoutingKey(pattern, key string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchSegments(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			rest := pattern[1:]
			for len(rest) > 0 && rest[0] == "#" {
				rest = rest[1:]
			}
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchSegments(rest, key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// ValidatePattern rejects binding patterns with wildcards embedded inside a
// segment, e.g. "logs.err*"
func ValidatePattern(pattern string) error {
	for _, segment := range strings.Split(pattern, ".") {
		if segment == "*" || segment == "#" {
			continue
		}
		if strings.ContainsAny(segment, "*#") {
			return fmt.Errorf("routing key pattern %q: wildcard must span a whole segment", pattern)
		}
	}
	return nil
}
