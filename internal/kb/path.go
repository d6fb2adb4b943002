package kb

// ValidatePath reports whether path is a well-formed ltree path: each
// dot-separated token starts with a letter or underscore and continues with
// letters, digits, or underscores. This mirrors the original's strtok-based
// walk token by token, including its quirk that runs of consecutive dots
// collapse rather than producing an empty-token error — a path of only dots
// tokenizes to nothing and is reported valid.
func ValidatePath(path string) bool {
	if path == "" {
		return false
	}
	for _, token := range splitOnDots(path) {
		if !validToken(token) {
			return false
		}
	}
	return true
}

// splitOnDots mirrors strtok(path, "."): runs of one or more '.' act as a
// single delimiter, and leading/trailing delimiters produce no empty tokens.
func splitOnDots(path string) []string {
	var tokens []string
	start := -1
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			if start >= 0 {
				tokens = append(tokens, path[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		tokens = append(tokens, path[start:])
	}
	return tokens
}

func validToken(token string) bool {
	first := token[0]
	if !isAlpha(first) && first != '_' {
		return false
	}
	for i := 1; i < len(token); i++ {
		c := token[i]
		if !isAlnum(c) && c != '_' {
			return false
		}
	}
	return true
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isAlnum(c byte) bool {
	return isAlpha(c) || (c >= '0' && c <= '9')
}
