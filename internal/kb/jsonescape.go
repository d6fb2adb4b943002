package kb

import (
	"fmt"
	"strings"
)

// jsonEscape escapes str for inlining inside a double-quoted JSON string.
func jsonEscape(str string) string {
	var b strings.Builder
	b.Grow(len(str))
	for _, r := range str {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

// jsonObjectStr builds the single-key JSON object {"key": "value"} used as
// the containment probe for a property-value filter.
func jsonObjectStr(key, value string) string {
	return fmt.Sprintf(`{"%s": "%s"}`, jsonEscape(key), jsonEscape(value))
}
