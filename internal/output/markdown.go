package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/nexusai/chgate/internal/core"
)

// MarkdownFormatter renders results as markdown tables.
type MarkdownFormatter struct{}

func (f *MarkdownFormatter) FormatSearch(page *core.SearchResultPage) (string, error) {
	if page == nil {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Search: %s\n\n", escapeMarkdownCell(page.Query)))
	writeMarkdownHeader(&sb, "Number", "Name", "Status", "Type")
	for _, item := range page.Items {
		writeMarkdownRow(&sb, item.CompanyNumber, item.Title, orDash(item.CompanyStatus), orDash(item.CompanyType))
	}
	sb.WriteString(fmt.Sprintf("\n**Results**: page %d, %d of %d\n", page.Page, len(page.Items), page.TotalResults))
	return sb.String(), nil
}

func (f *MarkdownFormatter) FormatProfile(profile *core.CompanyProfile) (string, error) {
	if profile == nil {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## %s (%s)\n\n", escapeMarkdownCell(profile.CompanyName), profile.CompanyNumber))
	writeMarkdownHeader(&sb, "Field", "Value")
	writeMarkdownRow(&sb, "Status", orDash(profile.CompanyStatus))
	writeMarkdownRow(&sb, "Type", orDash(profile.CompanyType))
	writeMarkdownRow(&sb, "Incorporated", orDash(profile.DateOfCreation))
	writeMarkdownRow(&sb, "Registered office", orDash(formatAddress(profile.RegisteredOfficeAddress)))
	writeMarkdownRow(&sb, "SIC codes", orDash(strings.Join(profile.SICCodes, ", ")))
	writeMarkdownRow(&sb, "Accounts due", orDash(profile.AccountsNextDue))
	writeMarkdownRow(&sb, "Confirmation due", orDash(profile.ConfirmationStatementDue))
	return sb.String(), nil
}

func (f *MarkdownFormatter) FormatOfficers(page *core.OfficerPage) (string, error) {
	if page == nil {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Officers of %s\n\n", page.CompanyNumber))
	writeMarkdownHeader(&sb, "Name", "Role", "Appointed", "Status")
	for _, o := range page.Items {
		writeMarkdownRow(&sb, o.Name, orDash(o.Role), orDash(o.AppointedOn), officerStatus(o))
	}
	sb.WriteString(fmt.Sprintf("\n**Active**: %d, **Resigned**: %d\n", page.ActiveCount, page.ResignedCount))
	return sb.String(), nil
}

func (f *MarkdownFormatter) FormatPSCs(page *core.PSCPage) (string, error) {
	if page == nil {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Persons with significant control of %s\n\n", page.CompanyNumber))
	if page.Absent {
		sb.WriteString("_No PSC register held._\n")
		return sb.String(), nil
	}
	writeMarkdownHeader(&sb, "Name", "Kind", "Notified", "Status")
	for _, p := range page.Items {
		writeMarkdownRow(&sb, p.Name, orDash(p.Kind), orDash(p.NotifiedOn), pscStatus(p))
	}
	sb.WriteString(fmt.Sprintf("\n**Active**: %d, **Ceased**: %d\n", page.ActiveCount, page.CeasedCount))
	return sb.String(), nil
}

func (f *MarkdownFormatter) FormatRateLimits(statuses []core.RateLimitStatus) (string, error) {
	var sb strings.Builder
	writeMarkdownHeader(&sb, "Key", "Remaining", "Limit", "Resets")
	for _, s := range statuses {
		writeMarkdownRow(&sb, s.Key, fmt.Sprint(s.Remaining), fmt.Sprint(s.Limit), s.ResetAt.UTC().Format(time.RFC3339))
	}
	return sb.String(), nil
}

func (f *MarkdownFormatter) FormatCacheStats(stats core.CacheStats) (string, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Cache (%s): %d entries\n\n", orDash(stats.Backend), stats.Size))
	writeMarkdownHeader(&sb, "Key", "Age (ms)", "Size (bytes)")
	for _, e := range stats.Entries {
		writeMarkdownRow(&sb, e.Key, fmt.Sprint(e.AgeMs), fmt.Sprint(e.SizeBytes))
	}
	return sb.String(), nil
}

func (f *MarkdownFormatter) FormatHealth(status core.HealthStatus) (string, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Upstream**: %s (%dms, %d requests remaining)\n", status.Status, status.LatencyMs, status.RateLimitRemaining))
	if status.Error != "" {
		sb.WriteString(fmt.Sprintf("\n> %s\n", status.Error))
	}
	return sb.String(), nil
}

func (f *MarkdownFormatter) FormatBatch(result *core.BatchResult) (string, error) {
	if result == nil {
		return "", nil
	}

	var sb strings.Builder
	writeMarkdownHeader(&sb, "Number", "Name", "Status")
	for _, item := range result.Items {
		writeMarkdownRow(&sb, item.CompanyNumber, orDash(batchName(item)), batchStatus(item))
	}
	sb.WriteString(fmt.Sprintf("\n**Summary**: %d ok, %d failed, %d skipped\n", result.Succeeded, result.Failed, result.Skipped))
	return sb.String(), nil
}

func writeMarkdownHeader(sb *strings.Builder, columns ...string) {
	sb.WriteString("| " + strings.Join(columns, " | ") + " |\n")
	seps := make([]string, len(columns))
	for i, c := range columns {
		seps[i] = strings.Repeat("-", len(c))
	}
	sb.WriteString("|-" + strings.Join(seps, "-|-") + "-|\n")
}

func writeMarkdownRow(sb *strings.Builder, cells ...string) {
	escaped := make([]string, len(cells))
	for i, c := range cells {
		escaped[i] = escapeMarkdownCell(c)
	}
	sb.WriteString("| " + strings.Join(escaped, " | ") + " |\n")
}

func escapeMarkdownCell(value string) string {
	value = strings.ReplaceAll(value, "\n", " ")
	return strings.ReplaceAll(value, "|", "\\|")
}
