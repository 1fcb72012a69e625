package output

import (
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nexusai/chgate/internal/core"
)

// YAMLFormatter renders results as YAML using the JSON field names.
type YAMLFormatter struct{}

func (f *YAMLFormatter) FormatSearch(page *core.SearchResultPage) (string, error) {
	return toYAML(page)
}

func (f *YAMLFormatter) FormatProfile(profile *core.CompanyProfile) (string, error) {
	return toYAML(profile)
}

func (f *YAMLFormatter) FormatOfficers(page *core.OfficerPage) (string, error) {
	return toYAML(page)
}

func (f *YAMLFormatter) FormatPSCs(page *core.PSCPage) (string, error) {
	return toYAML(page)
}

func (f *YAMLFormatter) FormatRateLimits(statuses []core.RateLimitStatus) (string, error) {
	if statuses == nil {
		statuses = []core.RateLimitStatus{}
	}
	return toYAML(statuses)
}

func (f *YAMLFormatter) FormatCacheStats(stats core.CacheStats) (string, error) {
	return toYAML(stats)
}

func (f *YAMLFormatter) FormatHealth(status core.HealthStatus) (string, error) {
	return toYAML(status)
}

func (f *YAMLFormatter) FormatBatch(result *core.BatchResult) (string, error) {
	return toYAML(result)
}

// toYAML goes through JSON first so keys match the API field names.
func toYAML(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}

	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return "", err
	}

	out, err := yaml.Marshal(generic)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\n"), nil
}
