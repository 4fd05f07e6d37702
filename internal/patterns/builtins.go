package patterns

import "github.com/miradorstack/release-gate/internal/models"

// Builtins returns the patterns shipped with the binary. Each call returns fresh copies.
func Builtins() []models.ErrorPattern {
	return []models.ErrorPattern{
		{
			ID:          "build-timeout",
			Matcher:     models.Matcher{Regex: `(?i)\b(build|compil\w*|bundl\w*)\b.*\b(exceeded|timed out|timeout)\b`, Keywords: []string{"maximum allowed runtime", "build timed out"}},
			Category:    models.ErrorTypeBuild,
			Severity:    models.SeverityHigh,
			Description: "Build step ran past the CI runtime limit",
			RootCauses:  []string{"cold dependency cache", "unbounded static page generation", "oversized bundle analysis"},
			Solutions: []models.Solution{
				{Strategy: "clear-build-cache", Confidence: 0.8, Steps: []string{"Remove .next/cache and node_modules/.cache", "Re-run the build with a warm dependency cache"}},
				{Strategy: "raise-build-limit", Confidence: 0.5, Steps: []string{"Increase the CI job timeout", "Split static generation into incremental batches"}},
			},
			AutoRecoverable:      true,
			RecoveryProcedureRef: "build-timeout",
			BaselineConfidence:   0.8,
		},
		{
			ID:          "module-not-found",
			Matcher:     models.Matcher{Regex: `(?i)(cannot find module|module not found|could not resolve|failed to resolve import)`, Keywords: []string{"cannot find module", "module not found"}},
			Category:    models.ErrorTypeBuild,
			Severity:    models.SeverityHigh,
			Description: "A dependency or import path could not be resolved",
			RootCauses:  []string{"lockfile drift", "missing dependency", "case-sensitive import path"},
			Solutions: []models.Solution{
				{Strategy: "reinstall-dependencies", Confidence: 0.75, Steps: []string{"Run a clean install from the lockfile", "Verify the import path casing"}},
			},
			AutoRecoverable:      true,
			RecoveryProcedureRef: "reinstall-dependencies",
			BaselineConfidence:   0.75,
		},
		{
			ID:          "type-check-error",
			Matcher:     models.Matcher{Regex: `(?i)(\berror TS\d{4}\b|type error:|is not assignable to type)`, Keywords: []string{"type error", "not assignable"}},
			Category:    models.ErrorTypeBuild,
			Severity:    models.SeverityHigh,
			Description: "TypeScript type checking failed",
			RootCauses:  []string{"API contract change", "stale generated types"},
			Solutions: []models.Solution{
				{Strategy: "fix-types", Confidence: 0.7, Steps: []string{"Regenerate API types", "Fix the reported type mismatches"}},
			},
			BaselineConfidence: 0.7,
		},
		{
			ID:          "heap-out-of-memory",
			Matcher:     models.Matcher{Regex: `(?i)(javascript heap out of memory|heap out of memory|\bENOMEM\b|out of memory)`, Keywords: []string{"out of memory", "heap limit"}},
			Category:    models.ErrorTypePerformance,
			Severity:    models.SeverityHigh,
			Description: "Node ran out of heap during a build or test step",
			RootCauses:  []string{"default heap limit too small", "memory leak in build plugin"},
			Solutions: []models.Solution{
				{Strategy: "increase-memory", Confidence: 0.8, Steps: []string{"Set NODE_OPTIONS=--max-old-space-size=4096", "Retry the step"}},
			},
			AutoRecoverable:      true,
			RecoveryProcedureRef: "increase-memory",
			BaselineConfidence:   0.8,
		},
		{
			ID:          "network-connection-refused",
			Matcher:     models.Matcher{Regex: `(?i)\b(ECONNREFUSED|ECONNRESET|ETIMEDOUT|EAI_AGAIN|socket hang up)\b`, Keywords: []string{"connection refused", "connection reset", "network timeout"}},
			Category:    models.ErrorTypeNetwork,
			Severity:    models.SeverityMedium,
			Description: "An upstream service or registry was unreachable",
			RootCauses:  []string{"service not started", "registry outage", "DNS flake"},
			Solutions: []models.Solution{
				{Strategy: "retry-network", Confidence: 0.7, Steps: []string{"Wait for the dependency to become healthy", "Retry the request"}},
				{Strategy: "check-upstream", Confidence: 0.5, Steps: []string{"Check the upstream status page", "Verify proxy and DNS settings"}},
			},
			AutoRecoverable:      true,
			RecoveryProcedureRef: "retry-network",
			BaselineConfidence:   0.7,
		},
		{
			ID:          "port-in-use",
			Matcher:     models.Matcher{Regex: `(?i)(\bEADDRINUSE\b|address already in use)`, Keywords: []string{"address already in use"}},
			Category:    models.ErrorTypeNetwork,
			Severity:    models.SeverityMedium,
			Description: "A preview or test server could not bind its port",
			RootCauses:  []string{"orphaned dev server from a previous run"},
			Solutions: []models.Solution{
				{Strategy: "free-port", Confidence: 0.85, Steps: []string{"Terminate the process holding the port", "Restart the server"}},
			},
			AutoRecoverable:      true,
			RecoveryProcedureRef: "free-port",
			BaselineConfidence:   0.85,
		},
		{
			ID:          "e2e-locator-timeout",
			Matcher:     models.Matcher{Regex: `(?i)(waiting for (selector|locator)|locator\.\w+: timeout|element not found|toBeVisible.*timed out)`, Keywords: []string{"locator", "selector", "element not found"}},
			Category:    models.ErrorTypeTest,
			Severity:    models.SeverityMedium,
			Description: "End-to-end test could not find an element in time",
			RootCauses:  []string{"changed markup", "slow hydration", "flaky network mock"},
			Solutions: []models.Solution{
				{Strategy: "stabilise-locator", Confidence: 0.65, Steps: []string{"Prefer role or test-id locators", "Await network idle before asserting"}},
			},
			BaselineConfidence: 0.6,
		},
		{
			ID:          "test-assertion-failure",
			Matcher:     models.Matcher{Regex: `(?i)(assertionerror|expected .+ (to equal|to be|received)|\b\d+ (tests? )?failed\b)`, Keywords: []string{"assertion", "expected"}},
			Category:    models.ErrorTypeTest,
			Severity:    models.SeverityHigh,
			Description: "Unit or integration assertions failed",
			RootCauses:  []string{"behaviour regression", "outdated snapshot"},
			Solutions: []models.Solution{
				{Strategy: "inspect-regression", Confidence: 0.6, Steps: []string{"Re-run the failing suite locally", "Bisect recent commits touching the module"}},
				{Strategy: "update-snapshots", Confidence: 0.3, Steps: []string{"Review the diff and update snapshots if intended"}},
			},
			BaselineConfidence: 0.6,
		},
		{
			ID:          "deploy-health-check",
			Matcher:     models.Matcher{Regex: `(?i)(health ?check (failed|timed out)|deployment (failed|error)|rolled back)`, Keywords: []string{"health check", "rollback"}},
			Category:    models.ErrorTypeDeploy,
			Severity:    models.SeverityCritical,
			Description: "The deployed revision failed its health checks",
			RootCauses:  []string{"missing environment variable", "failing startup migration"},
			Solutions: []models.Solution{
				{Strategy: "redeploy-previous", Confidence: 0.75, Steps: []string{"Promote the last healthy revision", "Compare environment variables between revisions"}},
			},
			AutoRecoverable:      true,
			RecoveryProcedureRef: "redeploy",
			BaselineConfidence:   0.75,
		},
		{
			ID:          "performance-budget-regression",
			Matcher:     models.Matcher{Regex: `(?i)(performance budget|largest contentful paint|\bLCP\b|\bCLS\b|total blocking time).*(exceed|over|above|regress)`, Keywords: []string{"budget", "largest contentful paint"}},
			Category:    models.ErrorTypePerformance,
			Severity:    models.SeverityMedium,
			Description: "Web vitals regressed past the configured budget",
			RootCauses:  []string{"unoptimised images", "render-blocking scripts", "new third-party tag"},
			Solutions: []models.Solution{
				{Strategy: "optimise-assets", Confidence: 0.6, Steps: []string{"Compress and resize hero images", "Defer non-critical scripts"}},
			},
			BaselineConfidence: 0.6,
		},
		{
			ID:          "seo-metadata-missing",
			Matcher:     models.Matcher{Regex: `(?i)(meta description|missing canonical|robots\.txt is not valid|document does not have a (meta description|title))`, Keywords: []string{"meta description", "canonical"}},
			Category:    models.ErrorTypeSEO,
			Severity:    models.SeverityLow,
			Description: "Pages are missing SEO metadata",
			RootCauses:  []string{"new route without metadata export"},
			Solutions: []models.Solution{
				{Strategy: "add-metadata", Confidence: 0.8, Steps: []string{"Export title and description metadata for the route"}},
			},
			BaselineConfidence: 0.8,
		},
		{
			ID:          "accessibility-violation",
			Matcher:     models.Matcher{Regex: `(?i)(color contrast|missing alt|accessible name|aria-[a-z]+ attribute|wcag2a)`, Keywords: []string{"accessibility", "a11y", "aria-"}},
			Category:    models.ErrorTypeTest,
			Severity:    models.SeverityMedium,
			Description: "Accessibility audit reported violations",
			RootCauses:  []string{"new component without labels", "low-contrast palette"},
			Solutions: []models.Solution{
				{Strategy: "fix-a11y", Confidence: 0.7, Steps: []string{"Add accessible names and alt text", "Check contrast against WCAG AA"}},
			},
			BaselineConfidence: 0.7,
		},
	}
}
