package output

import (
	"encoding/json"

	"github.com/nexusai/chgate/internal/core"
)

// JSONFormatter renders results as JSON.
type JSONFormatter struct {
	Indent bool
}

func (f *JSONFormatter) FormatSearch(page *core.SearchResultPage) (string, error) {
	return f.marshal(page)
}

func (f *JSONFormatter) FormatProfile(profile *core.CompanyProfile) (string, error) {
	return f.marshal(profile)
}

func (f *JSONFormatter) FormatOfficers(page *core.OfficerPage) (string, error) {
	return f.marshal(page)
}

func (f *JSONFormatter) FormatPSCs(page *core.PSCPage) (string, error) {
	return f.marshal(page)
}

func (f *JSONFormatter) FormatRateLimits(statuses []core.RateLimitStatus) (string, error) {
	if statuses == nil {
		statuses = []core.RateLimitStatus{}
	}
	return f.marshal(statuses)
}

func (f *JSONFormatter) FormatCacheStats(stats core.CacheStats) (string, error) {
	return f.marshal(stats)
}

func (f *JSONFormatter) FormatHealth(status core.HealthStatus) (string, error) {
	return f.marshal(status)
}

func (f *JSONFormatter) FormatBatch(result *core.BatchResult) (string, error) {
	return f.marshal(result)
}

func (f *JSONFormatter) marshal(value any) (string, error) {
	var (
		data []byte
		err  error
	)

	if f.Indent {
		data, err = json.MarshalIndent(value, "", "  ")
	} else {
		data, err = json.Marshal(value)
	}
	if err != nil {
		return "", err
	}

	return string(data), nil
}
