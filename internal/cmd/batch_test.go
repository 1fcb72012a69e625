package cmd

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusai/chgate/internal/core"
	"github.com/nexusai/chgate/internal/core/upstream"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (f *fakeFetcher) GetCompanyProfile(ctx context.Context, number string) (*core.CompanyProfile, error) {
	f.mu.Lock()
	f.calls = append(f.calls, number)
	f.mu.Unlock()

	if err, ok := f.errs[number]; ok {
		return nil, err
	}
	return &core.CompanyProfile{CompanyNumber: number, CompanyName: "COMPANY " + number}, nil
}

func TestParseBatchNumbers(t *testing.T) {
	input := strings.Join([]string{
		"# numbers to refresh",
		"445790",
		"",
		"  sc123456  ",
		"00445790",
		"# trailing comment",
	}, "\n")

	numbers, err := parseBatchNumbers(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []string{"00445790", "SC123456"}, numbers)
}

func TestParseBatchNumbersReportsLine(t *testing.T) {
	_, err := parseBatchNumbers(strings.NewReader("00445790\n\nnot a number\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}

func TestRunBatchLookupsStopsOnBudgetDenial(t *testing.T) {
	fetcher := &fakeFetcher{errs: map[string]error{
		"00000003": &upstream.RateLimitExceededError{Key: upstream.DefaultRateLimitKey, ResetAt: time.Now().Add(time.Minute)},
	}}
	numbers := []string{"00000001", "00000002", "00000003", "00000004", "00000005"}

	result := runBatchLookups(context.Background(), fetcher, numbers, 1)

	require.Len(t, result.Items, len(numbers))
	assert.True(t, result.StoppedEarly)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 2, result.Skipped)

	assert.Equal(t, core.ErrorKindRateLimited, result.Items[2].ErrorKind)
	assert.True(t, result.Items[3].Skipped)
	assert.True(t, result.Items[4].Skipped)
	assert.NotContains(t, fetcher.calls, "00000004")
	assert.NotContains(t, fetcher.calls, "00000005")

	for i, item := range result.Items {
		assert.Equal(t, numbers[i], item.CompanyNumber, "items keep input order")
	}
}

func TestRunBatchLookupsContinuesPastOtherFailures(t *testing.T) {
	fetcher := &fakeFetcher{errs: map[string]error{
		"00000002": &upstream.ClientError{StatusCode: 404},
	}}
	numbers := []string{"00000001", "00000002", "00000003"}

	result := runBatchLookups(context.Background(), fetcher, numbers, 4)

	assert.False(t, result.StoppedEarly)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Zero(t, result.Skipped)
	assert.Equal(t, core.ErrorKindNotFound, result.Items[1].ErrorKind)
	assert.Len(t, fetcher.calls, 3)
}

func TestFilterBatchResult(t *testing.T) {
	result := &core.BatchResult{Items: []core.BatchItem{
		{CompanyNumber: "00000001", Profile: &core.CompanyProfile{CompanyNumber: "00000001"}},
		{CompanyNumber: "00000002", Error: "not found"},
		{CompanyNumber: "00000003", Skipped: true},
	}}
	result.Tally()

	assert.Same(t, result, filterBatchResult(result, false))

	filtered := filterBatchResult(result, true)
	require.Len(t, filtered.Items, 2)
	assert.Equal(t, "00000002", filtered.Items[0].CompanyNumber)
	assert.Equal(t, "00000003", filtered.Items[1].CompanyNumber)
	assert.Equal(t, 1, filtered.Succeeded, "summary counters describe the full batch")
	assert.Len(t, result.Items, 3)
}
