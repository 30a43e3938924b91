package params

import (
	"fmt"
	"strings"
)

// CanonicalPath normalises a node path. Both '.' and ':' separate
// levels and case is ignored, so ".PARAMETERS.CONFIG:TURNS" and
// "parameters.config.turns" name the same node: "PARAMETERS.CONFIG.TURNS".
func CanonicalPath(p string) (string, error) {
	parts := strings.FieldsFunc(p, func(r rune) bool { return r == '.' || r == ':' })
	if len(parts) == 0 {
		return "", fmt.Errorf("empty path %q", p)
	}
	for i, part := range parts {
		for _, r := range part {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
				return "", fmt.Errorf("invalid character %q in path %q", r, p)
			}
		}
		parts[i] = strings.ToUpper(part)
	}
	return strings.Join(parts, "."), nil
}

// Join builds a canonical path from already canonical segments.
func Join(segments ...string) string {
	return strings.Join(segments, ".")
}

func parent(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return ""
	}
	return path[:i]
}
