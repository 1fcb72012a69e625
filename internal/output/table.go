package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/nexusai/chgate/internal/core"
)

// TableFormatter renders results as an ASCII table.
type TableFormatter struct{}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	return t
}

// FormatSearch renders a search page as a table.
func (f *TableFormatter) FormatSearch(page *core.SearchResultPage) (string, error) {
	if page == nil {
		return "", nil
	}

	t := newTable()
	t.SetTitle(fmt.Sprintf("Search: %s", page.Query))
	t.AppendHeader(table.Row{"Number", "Name", "Status", "Type", "Address"})
	for _, item := range page.Items {
		address := item.AddressSnippet
		if address == "" {
			address = formatAddress(item.Address)
		}
		t.AppendRow(table.Row{item.CompanyNumber, item.Title, orDash(item.CompanyStatus), orDash(item.CompanyType), orDash(address)})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("page %d, %d of %d results", page.Page, len(page.Items), page.TotalResults), "", "", sourceLabel(page.Provenance)})
	return t.Render(), nil
}

// FormatProfile renders a company profile as a key/value table.
func (f *TableFormatter) FormatProfile(profile *core.CompanyProfile) (string, error) {
	if profile == nil {
		return "", nil
	}

	t := newTable()
	t.SetTitle(profile.CompanyName)
	t.AppendRows([]table.Row{
		{"Number", profile.CompanyNumber},
		{"Status", orDash(profile.CompanyStatus)},
		{"Type", orDash(profile.CompanyType)},
		{"Jurisdiction", orDash(profile.Jurisdiction)},
		{"Incorporated", orDash(profile.DateOfCreation)},
		{"Dissolved", orDash(profile.DateOfCessation)},
		{"Registered office", orDash(formatAddress(profile.RegisteredOfficeAddress))},
		{"SIC codes", orDash(strings.Join(profile.SICCodes, ", "))},
		{"Charges", yesNo(profile.HasCharges)},
		{"Insolvency history", yesNo(profile.HasInsolvencyHistory)},
		{"Accounts due", orDash(profile.AccountsNextDue)},
		{"Last accounts", orDash(profile.LastAccountsMadeUpTo)},
		{"Confirmation due", orDash(profile.ConfirmationStatementDue)},
		{"Source", sourceLabel(profile.Provenance)},
	})
	return t.Render(), nil
}

// FormatOfficers renders an officer page as a table.
func (f *TableFormatter) FormatOfficers(page *core.OfficerPage) (string, error) {
	if page == nil {
		return "", nil
	}

	t := newTable()
	t.SetTitle(fmt.Sprintf("Officers of %s", page.CompanyNumber))
	t.AppendHeader(table.Row{"Name", "Role", "Appointed", "Status", "Nationality"})
	for _, o := range page.Items {
		t.AppendRow(table.Row{o.Name, orDash(o.Role), orDash(o.AppointedOn), officerStatus(o), orDash(o.Nationality)})
	}
	t.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d active, %d resigned", page.ActiveCount, page.ResignedCount), sourceLabel(page.Provenance)})
	return t.Render(), nil
}

// FormatPSCs renders a PSC page as a table.
func (f *TableFormatter) FormatPSCs(page *core.PSCPage) (string, error) {
	if page == nil {
		return "", nil
	}
	if page.Absent {
		return fmt.Sprintf("No PSC register held for %s", page.CompanyNumber), nil
	}

	t := newTable()
	t.SetTitle(fmt.Sprintf("Persons with significant control of %s", page.CompanyNumber))
	t.AppendHeader(table.Row{"Name", "Kind", "Notified", "Status", "Control"})
	for _, p := range page.Items {
		t.AppendRow(table.Row{p.Name, orDash(p.Kind), orDash(p.NotifiedOn), pscStatus(p), orDash(strings.Join(p.NaturesOfControl, "\n"))})
	}
	t.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d active, %d ceased", page.ActiveCount, page.CeasedCount), sourceLabel(page.Provenance)})
	return t.Render(), nil
}

// FormatRateLimits renders budget partitions as a table.
func (f *TableFormatter) FormatRateLimits(statuses []core.RateLimitStatus) (string, error) {
	if len(statuses) == 0 {
		return "No rate limit partitions tracked", nil
	}

	t := newTable()
	t.AppendHeader(table.Row{"Key", "Allowed", "Remaining", "Limit", "Resets"})
	for _, s := range statuses {
		t.AppendRow(table.Row{s.Key, yesNo(s.Allowed), s.Remaining, s.Limit, s.ResetAt.UTC().Format(time.RFC3339)})
	}
	return t.Render(), nil
}

// FormatCacheStats renders cache statistics as a table.
func (f *TableFormatter) FormatCacheStats(stats core.CacheStats) (string, error) {
	t := newTable()
	t.SetTitle(fmt.Sprintf("Cache (%s): %d entries", orDash(stats.Backend), stats.Size))
	t.AppendHeader(table.Row{"Key", "Age", "Size (bytes)"})
	total := 0
	for _, e := range stats.Entries {
		total += e.SizeBytes
		t.AppendRow(table.Row{shortKey(e.Key), (time.Duration(e.AgeMs) * time.Millisecond).Round(time.Second).String(), e.SizeBytes})
	}
	t.AppendFooter(table.Row{"", "total", total})
	return t.Render(), nil
}

// FormatHealth renders an upstream health probe as a table.
func (f *TableFormatter) FormatHealth(status core.HealthStatus) (string, error) {
	t := newTable()
	t.AppendRows([]table.Row{
		{"Status", status.Status},
		{"Latency", fmt.Sprintf("%dms", status.LatencyMs)},
		{"Budget remaining", status.RateLimitRemaining},
		{"Checked", status.CheckedAt.UTC().Format(time.RFC3339)},
	})
	if status.Error != "" {
		t.AppendRow(table.Row{"Error", status.Error})
	}
	return t.Render(), nil
}

// FormatBatch renders a batch of profile lookups as a table.
func (f *TableFormatter) FormatBatch(result *core.BatchResult) (string, error) {
	if result == nil {
		return "", nil
	}

	t := newTable()
	t.AppendHeader(table.Row{"Number", "Name", "Status"})
	for _, item := range result.Items {
		t.AppendRow(table.Row{item.CompanyNumber, orDash(batchName(item)), batchStatus(item)})
	}

	summary := fmt.Sprintf("%d ok (%d cached), %d failed", result.Succeeded, result.FromCache, result.Failed)
	if result.Skipped > 0 {
		summary += fmt.Sprintf(", %d skipped", result.Skipped)
	}
	t.AppendFooter(table.Row{"", "", summary})
	return t.Render(), nil
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func shortKey(key string) string {
	if len(key) > 16 {
		return key[:16]
	}
	return key
}
