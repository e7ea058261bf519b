package logprocessing

import (
	"regexp"
	"strings"
)

// Variable-replacement patterns compiled once at package initialization.
// They are applied in declaration order before tokenization so that variable
// content (timestamps, IPs, hashes, numbers) does not fragment templates.
var variablePatterns = []struct {
	re          *regexp.Regexp
	placeholder string
}{
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}`), "<TIMESTAMP>"},
	{regexp.MustCompile(`\d{2}:\d{2}:\d{2}`), "<TIME>"},
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "<IP>"},
	{regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`), "<UUID>"},
	{regexp.MustCompile(`\b[0-9a-fA-F]{40}\b`), "<SHA1>"},
	{regexp.MustCompile(`\b[0-9a-fA-F]{64}\b`), "<SHA256>"},
	{regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`), "<HEX>"},
	// Integer literals are handled by replaceIntegers: the boundary
	// conditions are zero-width, which RE2 cannot express.
	{nil, "<NUM>"},
	{regexp.MustCompile(`\b\d+\.\d+\.\d+\b`), "<VERSION>"},
	{regexp.MustCompile(`https?://\S+`), "<URL>"},
	{regexp.MustCompile(`/[\w./\-]+`), "<PATH>"},
}

// tokenDelimiters splits on whitespace and common structural characters.
var tokenDelimiters = regexp.MustCompile(`[\s=:,;|\[\](){}]+`)

// preprocess normalizes variable content in a raw log line and tokenizes it.
// Empty tokens are dropped.
func preprocess(line string) []string {
	processed := line
	for _, p := range variablePatterns {
		if p.re == nil {
			processed = replaceIntegers(processed)
			continue
		}
		processed = p.re.ReplaceAllString(processed, p.placeholder)
	}

	parts := tokenDelimiters.Split(processed, -1)
	tokens := make([]string, 0, len(parts))
	for _, t := range parts {
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// replaceIntegers substitutes <NUM> for integer literals whose boundaries are
// non-alphanumeric. A leading sign is absorbed when its own predecessor is a
// valid boundary; otherwise the sign itself serves as the left boundary.
// Digits glued to letters (request42, abc123) are left alone, as is a number
// at the very end of the string.
func replaceIntegers(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	i := 0
	for i < len(s) {
		start := i
		leftOK := start == 0 || !isAlnum(s[start-1])

		if (s[i] == '-' || s[i] == '+') && i+1 < len(s) && isDigit(s[i+1]) {
			if leftOK {
				i++ // sign joins the literal
			} else {
				b.WriteByte(s[i])
				i++
				start = i
				leftOK = true // the sign char is a non-alphanumeric boundary
			}
		}

		if !isDigit(s[i]) {
			b.WriteByte(s[i])
			i++
			continue
		}

		end := i
		for end < len(s) && isDigit(s[end]) {
			end++
		}

		rightOK := end < len(s) && !isAlnum(s[end])

		if leftOK && rightOK {
			b.WriteString("<NUM>")
		} else {
			b.WriteString(s[start:end])
		}
		i = end
	}

	return b.String()
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isAlnum(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// hasNumbers reports whether a token contains any digit. Such tokens are
// coerced to the wildcard during tree traversal.
func hasNumbers(token string) bool {
	return strings.ContainsAny(token, "0123456789")
}
