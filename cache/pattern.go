package cache

import "strings"

// prefixes normalizes invalidation patterns. A trailing "*" is dropped, empty
// patterns are ignored and a bare "*" selects every key (all == true).
func prefixes(patterns []string) (out []string, all bool) {
	out = make([]string, 0, len(patterns))
	seen := make(map[string]struct{}, len(patterns))

	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}

		prefix := strings.TrimRight(pattern, "*")
		if prefix == "" {
			return nil, true
		}

		if _, ok := seen[prefix]; ok {
			continue
		}
		seen[prefix] = struct{}{}
		out = append(out, prefix)
	}

	return out, false
}

func hasAnyPrefix(key string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
