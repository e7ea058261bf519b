package features

import (
	"math"
	"strings"
	"time"

	"github.com/safeops/buildwatch/internal/logging"
	"github.com/safeops/buildwatch/internal/logprocessing"
)

// Extractor derives BuildFeatures from webhook payloads. It feeds log lines
// through the shared template miner, so template features accumulate context
// across builds.
type Extractor struct {
	miner       *logprocessing.Miner
	broadBase64 bool
	logger      *logging.Logger
}

// NewExtractor creates an Extractor backed by the given miner. broadBase64
// selects the permissive base64 counting variant.
func NewExtractor(miner *logprocessing.Miner, broadBase64 bool) *Extractor {
	return &Extractor{
		miner:       miner,
		broadBase64: broadBase64,
		logger:      logging.GetLogger("features.extractor"),
	}
}

// rawBuild is the provider-independent projection of a webhook payload.
type rawBuild struct {
	buildID   string
	repoName  string
	branch    string
	commitSHA string
	duration  float64
	rawLogs   string
	steps     []map[string]any
	provider  string
}

// Extract derives the feature vector from a decoded webhook payload. The
// provider dialect is chosen from the meta hint first, then from payload
// shape: workflow_run means GitHub, object_attributes means GitLab, anything
// else goes through the generic path.
func (e *Extractor) Extract(payload map[string]any) *BuildFeatures {
	meta := getMap(payload, "_meta")
	provider := getString(meta, "provider")

	var b rawBuild
	switch {
	case provider == "github" || hasKey(payload, "workflow_run"):
		b = e.projectGitHub(payload, meta)
	case provider == "gitlab" || hasKey(payload, "object_attributes"):
		b = e.projectGitLab(payload, meta)
	default:
		b = e.projectGeneric(payload, meta)
	}

	return e.extractCommon(b)
}

func (e *Extractor) projectGitHub(payload, meta map[string]any) rawBuild {
	workflow := getMap(payload, "workflow_run")
	repo := getMap(payload, "repository")
	enriched := enrichedSection(payload)

	duration := durationBetween(
		getString(workflow, "run_started_at"),
		getString(workflow, "updated_at"),
	)
	// The enriched duration comes from the provider API and is more accurate
	// than the webhook timestamps.
	if d := getFloat(enriched, "duration_seconds"); d != 0 {
		duration = d
	}

	return rawBuild{
		buildID:   stringifyID(workflow["id"], getString(meta, "request_id")),
		repoName:  firstNonEmpty(getString(repo, "full_name"), getString(enriched, "repository")),
		branch:    firstNonEmpty(getString(workflow, "head_branch"), getString(enriched, "branch")),
		commitSHA: firstNonEmpty(getString(workflow, "head_sha"), getString(enriched, "commit_sha")),
		duration:  duration,
		rawLogs:   getString(enriched, "raw_logs"),
		steps:     getMapSlice(enriched, "steps"),
		provider:  "github",
	}
}

func (e *Extractor) projectGitLab(payload, meta map[string]any) rawBuild {
	attrs := getMap(payload, "object_attributes")
	project := getMap(payload, "project")
	enriched := enrichedSection(payload)

	return rawBuild{
		buildID:   stringifyID(attrs["id"], getString(meta, "request_id")),
		repoName:  getString(project, "path_with_namespace"),
		branch:    getString(attrs, "ref"),
		commitSHA: getString(attrs, "sha"),
		duration:  getFloat(attrs, "duration"),
		rawLogs:   getString(enriched, "raw_logs"),
		steps:     getMapSlice(enriched, "steps"),
		provider:  "gitlab",
	}
}

func (e *Extractor) projectGeneric(payload, meta map[string]any) rawBuild {
	workflow := getMap(payload, "workflow_run")
	repo := getMap(payload, "repository")
	enriched := enrichedSection(payload)

	duration := durationBetween(
		getString(workflow, "run_started_at"),
		getString(workflow, "updated_at"),
	)
	if d := getFloat(enriched, "duration_seconds"); d != 0 {
		duration = d
	}

	provider := getString(meta, "provider")
	if provider == "" {
		provider = "unknown"
	}

	return rawBuild{
		buildID:   stringifyID(workflow["id"], getString(meta, "request_id")),
		repoName:  firstNonEmpty(getString(repo, "full_name"), getString(enriched, "repository")),
		branch:    firstNonEmpty(getString(workflow, "head_branch"), getString(enriched, "branch")),
		commitSHA: firstNonEmpty(getString(workflow, "head_sha"), getString(enriched, "commit_sha")),
		duration:  duration,
		rawLogs:   getString(enriched, "raw_logs"),
		steps:     getMapSlice(enriched, "steps"),
		provider:  provider,
	}
}

func (e *Extractor) extractCommon(b rawBuild) *BuildFeatures {
	var lines []string
	if b.rawLogs != "" {
		lines = strings.Split(b.rawLogs, "\n")
	}
	// A missing or single-line raw log means enrichment did not deliver the
	// full output; fall back to the per-step lines.
	if len(lines) <= 1 {
		lines = nil
		for _, step := range b.steps {
			lines = append(lines, getStringSlice(step, "log_lines")...)
		}
	}

	lineCount := 0
	totalChars := 0
	for _, line := range lines {
		totalChars += len(line)
		if strings.TrimSpace(line) != "" {
			lineCount++
		}
	}
	denom := lineCount
	if denom < 1 {
		denom = 1
	}
	charDensity := float64(totalChars) / float64(denom)

	errorCount := countKeywordLines(lines, errorKeywords)
	warningCount := countKeywordLines(lines, warningKeywords)

	parseResults := e.miner.ParseLines(lines)
	templateIDs := make(map[string]struct{})
	for _, r := range parseResults {
		templateIDs[r.TemplateID] = struct{}{}
	}
	entropy := templateEntropy(parseResults)

	allText := strings.Join(lines, "\n")
	suspiciousCount := countSuspiciousPatterns(allText)

	externalIPs := make(map[string]struct{})
	for _, ip := range ipPattern.FindAllString(allText, -1) {
		if !isPrivateIP(ip) {
			externalIPs[ip] = struct{}{}
		}
	}

	untrustedURLs := make(map[string]struct{})
	untrustedDomains := make(map[string]struct{})
	for _, m := range urlPattern.FindAllStringSubmatch(allText, -1) {
		url := m[1]
		domain := strings.ToLower(strings.SplitN(url, "/", 2)[0])
		domain = strings.SplitN(domain, ":", 2)[0]
		if !isTrustedDomain(domain) {
			untrustedURLs[url] = struct{}{}
			untrustedDomains[domain] = struct{}{}
		}
	}
	if len(untrustedURLs) > 100 {
		sample := make([]string, 0, 10)
		for d := range untrustedDomains {
			sample = append(sample, d)
			if len(sample) == 10 {
				break
			}
		}
		e.logger.WarnWithFields("high untrusted URL count",
			logging.Field("build_id", b.buildID),
			logging.Field("untrusted_urls", len(untrustedURLs)),
			logging.Field("sample_domains", sample),
		)
	}

	base64Pattern := base64ContextPattern
	if e.broadBase64 {
		base64Pattern = base64BroadPattern
	}
	base64Count := len(base64Pattern.FindAllStringIndex(allText, -1))

	return &BuildFeatures{
		BuildID:   b.buildID,
		RepoName:  b.repoName,
		Branch:    b.branch,
		CommitSHA: b.commitSHA,

		DurationSeconds: b.duration,
		LogLineCount:    lineCount,
		CharDensity:     round2(charDensity),
		ErrorCount:      errorCount,
		WarningCount:    warningCount,

		StepCount: len(b.steps),

		UniqueTemplates: len(templateIDs),
		TemplateEntropy: round4(entropy),

		SuspiciousPatternCount: suspiciousCount,
		ExternalIPCount:        len(externalIPs),
		ExternalURLCount:       len(untrustedURLs),
		Base64PatternCount:     base64Count,

		Provider:    b.provider,
		ProcessedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// enrichedSection returns the enrichment block added by the log collector.
// The legacy _safeops_extended key is honored for older payloads.
func enrichedSection(payload map[string]any) map[string]any {
	if m := getMap(payload, "_enriched"); len(m) > 0 {
		return m
	}
	return getMap(payload, "_safeops_extended")
}

// templateEntropy computes the Shannon entropy (base 2) of the template
// distribution.
func templateEntropy(results []logprocessing.ParseResult) float64 {
	if len(results) == 0 {
		return 0
	}

	counts := make(map[string]int)
	for _, r := range results {
		counts[r.TemplateID]++
	}

	total := float64(len(results))
	entropy := 0.0
	for _, c := range counts {
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// durationBetween computes seconds between two timestamps. Several formats
// are seen in the wild; unparsable or missing timestamps yield 0.
func durationBetween(startStr, endStr string) float64 {
	if startStr == "" || endStr == "" {
		return 0
	}

	startStr = strings.TrimSuffix(startStr, "Z")
	endStr = strings.TrimSuffix(endStr, "Z")

	layouts := []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05"}
	for _, layout := range layouts {
		start, err1 := time.Parse(layout, startStr)
		end, err2 := time.Parse(layout, endStr)
		if err1 == nil && err2 == nil {
			return end.Sub(start).Seconds()
		}
	}
	return 0
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
