package engine

import (
	"regexp"
	"strings"

	"github.com/miradorstack/release-gate/internal/models"
)

const maxMessageBytes = 8 << 10

type taxonomyRule struct {
	errType models.ErrorType
	re      *regexp.Regexp
}

// taxonomy is evaluated in order; the first hit wins.
var taxonomy = []taxonomyRule{
	{models.ErrorTypeBuild, regexp.MustCompile(`(?i)\b(build|compil\w*|bundl\w*|webpack|vite|esbuild|tsc|typescript|ts\d{4}|module not found|cannot find module|syntax ?error|transpil\w*)\b`)},
	{models.ErrorTypeNetwork, regexp.MustCompile(`(?i)\b(network|econnrefused|econnreset|etimedout|enotfound|eai_again|eaddrinuse|address already in use|dns|socket|connection (refused|reset)|fetch failed|proxy)\b`)},
	{models.ErrorTypeTest, regexp.MustCompile(`(?i)\b(tests?|spec|assert\w*|expect\w*|jest|vitest|playwright|e2e|locator|snapshot|a11y|accessibility|wcag\w*|pa11y|axe|color contrast)\b`)},
	{models.ErrorTypeDeploy, regexp.MustCompile(`(?i)\b(deploy\w*|rollout|rollback|rolled back|release|vercel|health ?check|kubernetes|k8s|container)\b`)},
	{models.ErrorTypePerformance, regexp.MustCompile(`(?i)\b(performance|lighthouse|lcp|cls|fid|inp|tbt|ttfb|web vitals|contentful paint|blocking time|budget|slow|latency|memory|heap|cpu)\b`)},
	{models.ErrorTypeSEO, regexp.MustCompile(`(?i)\b(seo|meta description|canonical|robots\.txt|sitemap|structured data|hreflang|og:\w+)\b`)},
}

var (
	highSeverity   = regexp.MustCompile(`(?i)\b(critical|fatal|failed)\b`)
	mediumSeverity = regexp.MustCompile(`(?i)\bwarning\b`)
)

// ClassifyType maps a message onto the fixed failure taxonomy.
func ClassifyType(message string) models.ErrorType {
	for _, rule := range taxonomy {
		if rule.re.MatchString(message) {
			return rule.errType
		}
	}
	return models.ErrorTypeUnknown
}

// ClassifySeverity infers severity from message keywords.
func ClassifySeverity(message string) models.Severity {
	switch {
	case highSeverity.MatchString(message):
		return models.SeverityHigh
	case mediumSeverity.MatchString(message):
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// Normalize turns either ingestion variant into a complete ErrorInfo. It never
// fails: input without a usable message degrades to unknown/medium.
func Normalize(source string, raw models.RawError) models.ErrorInfo {
	var info models.ErrorInfo
	if structured, ok := raw.Info(); ok {
		info = structured
		info.Context = copyContext(structured.Context)
	} else {
		text, _ := raw.Text()
		info.Message = text
	}

	info.Message = truncate(strings.TrimSpace(info.Message), maxMessageBytes)
	if info.Source == "" {
		info.Source = source
	}
	if info.Source != "" {
		if info.Context == nil {
			info.Context = make(map[string]string)
		}
		if _, ok := info.Context["source"]; !ok {
			info.Context["source"] = info.Source
		}
	}

	if info.Message == "" {
		if info.Type == "" {
			info.Type = models.ErrorTypeUnknown
		}
		if info.Severity == "" {
			info.Severity = models.SeverityMedium
		}
		return info
	}
	if info.Type == "" {
		info.Type = ClassifyType(info.Message)
	}
	if info.Severity == "" {
		info.Severity = ClassifySeverity(info.Message)
	}
	return info
}

func copyContext(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
