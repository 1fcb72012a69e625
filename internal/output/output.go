package output

import (
	"fmt"
	"strings"

	"github.com/nexusai/chgate/internal/core"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
	FormatYAML     Format = "yaml"
)

// Formatter renders gateway records for the CLI.
type Formatter interface {
	FormatSearch(page *core.SearchResultPage) (string, error)
	FormatProfile(profile *core.CompanyProfile) (string, error)
	FormatOfficers(page *core.OfficerPage) (string, error)
	FormatPSCs(page *core.PSCPage) (string, error)
	FormatRateLimits(statuses []core.RateLimitStatus) (string, error)
	FormatCacheStats(stats core.CacheStats) (string, error)
	FormatHealth(status core.HealthStatus) (string, error)
	FormatBatch(result *core.BatchResult) (string, error)
}

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	case string(FormatYAML), "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatMarkdown:
		return &MarkdownFormatter{}
	case FormatYAML:
		return &YAMLFormatter{}
	default:
		return &TableFormatter{}
	}
}

// Extension returns the file extension used when writing format to disk.
func Extension(format Format) string {
	switch format {
	case FormatJSON:
		return "json"
	case FormatMarkdown:
		return "md"
	case FormatYAML:
		return "yaml"
	default:
		return "txt"
	}
}

func formatAddress(a core.Address) string {
	parts := make([]string, 0, 7)
	for _, part := range []string{a.Premises, a.AddressLine1, a.AddressLine2, a.Locality, a.Region, a.PostalCode, a.Country} {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, ", ")
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func sourceLabel(p core.Provenance) string {
	if p.FromCache {
		return "cache"
	}
	if p.Source == "" {
		return "upstream"
	}
	return p.Source
}

func officerStatus(o core.OfficerRecord) string {
	if o.Active() {
		return "active"
	}
	return "resigned " + o.ResignedOn
}

func pscStatus(p core.PSCRecord) string {
	if p.Active() {
		return "active"
	}
	return "ceased " + p.CeasedOn
}

func batchStatus(item core.BatchItem) string {
	switch {
	case item.Skipped:
		return "skipped"
	case item.Profile != nil:
		return orDash(item.Profile.CompanyStatus)
	default:
		return "error: " + string(item.ErrorKind)
	}
}

func batchName(item core.BatchItem) string {
	if item.Profile != nil {
		return item.Profile.CompanyName
	}
	return item.Error
}

// Marshal renders an arbitrary value as JSON or YAML. Table and markdown
// callers render their own views and never reach here.
func Marshal(format Format, value any) (string, error) {
	if format == FormatYAML {
		return toYAML(value)
	}
	return (&JSONFormatter{Indent: true}).marshal(value)
}
