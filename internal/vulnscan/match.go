package vulnscan

import (
	"strings"

	"github.com/perimetra/perimetra/internal/db"
	"github.com/perimetra/perimetra/internal/logging"
	"github.com/perimetra/perimetra/internal/metrics"
)

// maxFieldLen caps varchar columns fed from worker output.
const maxFieldLen = 255

// defaultTag is used when a service has no detected name.
const defaultTag = "network"

// BuildTargets converts persisted service endpoints into worker targets.
// The tag is the lowercased service name so the worker can select
// matching templates; unnamed services get a generic tag.
func BuildTargets(endpoints []db.ServiceEndpoint) []Target {
	targets := make([]Target, 0, len(endpoints))
	for _, ep := range endpoints {
		tag := defaultTag
		if ep.ServiceName != nil && *ep.ServiceName != "" {
			tag = strings.ToLower(*ep.ServiceName)
		}
		targets = append(targets, Target{
			Target: ep.Address(),
			Tags:   tag,
		})
	}
	return targets
}

// Match attributes findings to the services that produced them. A finding
// belongs to the first endpoint whose ip:port address appears as a
// substring of the finding's matched-at URL; findings that match nothing
// are dropped and logged. Matched findings become append-only
// vulnerability rows with worker-controlled fields truncated to fit.
func Match(findings []Finding, endpoints []db.ServiceEndpoint) []db.Vulnerability {
	logger := logging.Default().WithComponent("vulnscan")
	vulns := make([]db.Vulnerability, 0, len(findings))

	for _, finding := range findings {
		if finding.TemplateID == "" || finding.MatchedAt == "" {
			logger.Debug("skipping finding without template or location")
			continue
		}

		severity := strings.ToLower(finding.Info.Severity)
		if severity == "" {
			severity = "unknown"
		}
		description := firstNonEmpty(finding.Info.Name, finding.Info.Description, finding.TemplateID)

		matched := false
		for _, ep := range endpoints {
			if !strings.Contains(finding.MatchedAt, ep.Address()) {
				continue
			}
			vulns = append(vulns, db.Vulnerability{
				ServiceID:   ep.ServiceID,
				TemplateID:  truncate(finding.TemplateID),
				Severity:    optional(severity),
				Description: optional(truncate(description)),
				Evidence:    optional(truncate(finding.MatchedAt)),
			})
			metrics.GetGlobalMetrics().IncrementVulnerabilities(severity, 1)
			matched = true
			break
		}
		if !matched {
			logger.Warn("dropping finding that matched no known service",
				"template_id", finding.TemplateID, "matched_at", finding.MatchedAt)
		}
	}
	return vulns
}

func truncate(s string) string {
	if len(s) > maxFieldLen {
		return s[:maxFieldLen]
	}
	return s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
