package model

import "strconv"

// featureThreshold declares the explanation cutoffs for one feature. These
// are for human-readable reasons; the forest makes the actual decision.
type featureThreshold struct {
	feature  string
	high     float64
	veryHigh float64
	reason   string
}

var featureThresholds = []featureThreshold{
	{"duration_seconds", 600, 1800, "Unusually long build duration"},
	{"log_line_count", 8000, 15000, "Excessive log volume"},
	{"char_density", 150, 300, "Unusually dense log lines"},
	{"error_count", 200, 500, "High error count"},
	{"warning_count", 300, 600, "Excessive warnings"},
	{"step_count", 30, 50, "Unusual number of pipeline steps"},
	{"unique_templates", 600, 1000, "Unusual log pattern diversity"},
	{"template_entropy", 8.0, 10.0, "High log randomness (possible obfuscation)"},
	{"suspicious_pattern_count", 1, 5, "Suspicious command patterns detected"},
	{"external_ip_count", 1, 5, "Multiple external IP connections"},
	{"external_url_count", 10, 50, "Excessive untrusted URL access"},
	{"base64_pattern_count", 5, 15, "Potential data obfuscation"},
}

// checkSecurityRules applies the explicit overrides that catch attack
// patterns the forest can miss through feature interactions. Any returned
// reason forces the anomaly flag.
func checkSecurityRules(fm map[string]float64) []Reason {
	var reasons []Reason

	suspicious := fm["suspicious_pattern_count"]
	if suspicious >= 1 {
		reasons = append(reasons, Reason{
			Feature:  "suspicious_pattern_count",
			Value:    suspicious,
			Reason:   "Detected " + formatCount(suspicious) + " suspicious command pattern(s) (e.g., xmrig, nc -e, curl|bash)",
			Severity: "critical",
		})
	}

	externalIPs := fm["external_ip_count"]
	if externalIPs >= 2 && suspicious >= 1 {
		reasons = append(reasons, Reason{
			Feature:  "external_ip_count",
			Value:    externalIPs,
			Reason:   "Multiple external IP connections (" + formatCount(externalIPs) + ") with suspicious patterns",
			Severity: "critical",
		})
	}

	duration := fm["duration_seconds"]
	if duration > 1200 && suspicious >= 1 {
		reasons = append(reasons, Reason{
			Feature:  "duration_seconds",
			Value:    duration,
			Reason:   "Extended build duration (" + formatCount(duration) + "s) with suspicious patterns - possible cryptomining",
			Severity: "critical",
		})
	}

	return reasons
}

// generateReasons explains a flagged build via the threshold table. Unflagged
// builds get a single informational entry.
func generateReasons(fm map[string]float64, isAnomaly bool) []Reason {
	if !isAnomaly {
		return []Reason{{
			Reason:   "Build metrics within normal parameters",
			Severity: "info",
		}}
	}

	var reasons []Reason
	for _, t := range featureThresholds {
		value := fm[t.feature]
		switch {
		case value >= t.veryHigh:
			reasons = append(reasons, Reason{
				Feature:   t.feature,
				Value:     value,
				Threshold: t.veryHigh,
				Reason:    t.reason,
				Severity:  "critical",
			})
		case value >= t.high:
			reasons = append(reasons, Reason{
				Feature:   t.feature,
				Value:     value,
				Threshold: t.high,
				Reason:    t.reason,
				Severity:  "warning",
			})
		}
	}

	if len(reasons) == 0 {
		reasons = append(reasons, Reason{
			Reason:   "Unusual combination of build metrics",
			Severity: "warning",
		})
	}
	return reasons
}

func formatCount(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
