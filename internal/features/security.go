package features

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	ipPattern  = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	urlPattern = regexp.MustCompile(`(?i)https?://([^\s<>"']+)`)

	// base64ContextPattern requires context suggesting actual encoding or
	// decoding activity. Bare hashes and tokens do not match.
	base64ContextPattern = regexp.MustCompile(
		`(?i)(?:base64\s*(?:-d|-decode|--decode)|echo\s+["']?[A-Za-z0-9+/]{50,}={0,2}|\|\s*base64)`,
	)

	// base64BroadPattern is the old behavior: any long base64-looking run.
	// It overcounts on git SHAs and JWT fragments, so it is opt-in.
	base64BroadPattern = regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`)

	// suspiciousPatterns flag command shapes typical of cryptomining,
	// exfiltration, and reverse shells.
	suspiciousPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)curl.*-X\s*POST`),
		regexp.MustCompile(`(?i)wget.*--post`),
		regexp.MustCompile(`(?i)nc\s+(-e|-c)`),
		regexp.MustCompile(`(?i)bash\s+-i`),
		regexp.MustCompile(`(?i)/dev/tcp/`),
		regexp.MustCompile(`(?i)mkfifo`),
		regexp.MustCompile(`(?i)xmrig|minerd|cryptonight`),
		regexp.MustCompile(`(?i)stratum\+tcp://`),
		regexp.MustCompile(`(?i)hashrate`),
		regexp.MustCompile(`(?i)cat\s+/etc/(passwd|shadow)`),
		regexp.MustCompile(`(?i)\$\([^)]+\)`),
	}

	errorKeywords   = []string{"error", "failed", "failure", "exception", "fatal", "critical"}
	warningKeywords = []string{"warning", "warn", "deprecated", "caution"}
)

func countSuspiciousPatterns(text string) int {
	count := 0
	for _, p := range suspiciousPatterns {
		count += len(p.FindAllStringIndex(text, -1))
	}
	return count
}

func countKeywordLines(lines []string, keywords []string) int {
	count := 0
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				count++
				break
			}
		}
	}
	return count
}

// isPrivateIP reports whether the dotted quad is in a private or loopback
// range. Malformed addresses count as private so they never inflate the
// external IP feature.
func isPrivateIP(ip string) bool {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return true
	}

	first, err := strconv.Atoi(parts[0])
	if err != nil {
		return true
	}
	second, err := strconv.Atoi(parts[1])
	if err != nil {
		return true
	}

	switch {
	case first == 10:
		return true
	case first == 172 && second >= 16 && second <= 31:
		return true
	case first == 192 && second == 168:
		return true
	case first == 127:
		return true
	}
	return false
}
