package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nexusai/chgate/internal/config"
	"github.com/nexusai/chgate/internal/core"
	"github.com/nexusai/chgate/internal/core/gateway"
	"github.com/nexusai/chgate/internal/core/upstream"
	"github.com/nexusai/chgate/internal/observability"
	"github.com/nexusai/chgate/internal/output"
)

var batchCmd = &cobra.Command{
	Use:   "batch <file>",
	Short: "Fetch profiles for company numbers listed in a file",
	Long: `Read company numbers from file (one per line, '#' comments allowed) and
fetch each profile. The batch stops issuing lookups once the rate limit
budget is exhausted; remaining numbers are reported as skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)

	addOutputFlags(batchCmd)
	batchCmd.Flags().Bool("no-cache", false, "Bypass the response cache")
	batchCmd.Flags().Int("concurrency", 0, "Concurrent lookups (default: workers from config)")
	batchCmd.Flags().Bool("failed-only", false, "Only show numbers that failed or were skipped")
}

// profileFetcher is the slice of the gateway a batch needs.
type profileFetcher interface {
	GetCompanyProfile(ctx context.Context, number string) (*core.CompanyProfile, error)
}

func runBatch(cmd *cobra.Command, args []string) error {
	concurrency, err := cmd.Flags().GetInt("concurrency")
	if err != nil {
		return err
	}
	if concurrency < 0 {
		return errors.New("concurrency must be at least 1")
	}
	failedOnly, err := cmd.Flags().GetBool("failed-only")
	if err != nil {
		return err
	}

	numbers, err := readBatchNumbers(args[0])
	if err != nil {
		return err
	}
	if len(numbers) == 0 {
		return errors.New("no company numbers found in batch file")
	}

	startedAt := time.Now()
	return withGateway(cmd, func(ctx context.Context, g *gateway.Gateway) error {
		if concurrency == 0 {
			concurrency = 1
			if cfg := config.GetConfig(); cfg != nil && cfg.Workers > 0 {
				concurrency = cfg.Workers
			}
		}

		result := runBatchLookups(ctx, g, numbers, concurrency)
		if result.StoppedEarly {
			observability.CLILogger.Warn("Rate limit budget exhausted; remaining lookups skipped",
				zap.Int("skipped", result.Skipped))
		}
		logThroughput(len(numbers)-result.Skipped, startedAt)

		result = filterBatchResult(result, failedOnly)
		return emit(cmd, "batch", func(f output.Formatter) (string, error) {
			return f.FormatBatch(result)
		})
	})
}

type batchJob struct {
	index  int
	number string
}

// runBatchLookups fetches every profile with up to concurrency workers. The
// first budget denial stops new lookups; lookups already in flight finish.
// Items keep input order.
func runBatchLookups(ctx context.Context, fetcher profileFetcher, numbers []string, concurrency int) *core.BatchResult {
	items := make([]core.BatchItem, len(numbers))
	attempted := make([]bool, len(numbers))
	for i, number := range numbers {
		items[i].CompanyNumber = number
	}

	stopCtx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		wg       sync.WaitGroup
		stopOnce sync.Once
		stopped  bool
	)
	halt := func() {
		stopOnce.Do(func() {
			stopped = true
			stop()
		})
	}

	jobs := make(chan batchJob)
	worker := func() {
		defer wg.Done()
		for job := range jobs {
			if stopCtx.Err() != nil {
				continue
			}
			attempted[job.index] = true

			profile, err := fetcher.GetCompanyProfile(ctx, job.number)
			if err != nil {
				items[job.index].ErrorKind = upstream.KindOf(err)
				items[job.index].Error = err.Error()
				if upstream.IsRateLimited(err) {
					halt()
				}
				continue
			}
			items[job.index].Profile = profile
		}
	}

	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > len(numbers) {
		concurrency = len(numbers)
	}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go worker()
	}

sendLoop:
	for i, number := range numbers {
		select {
		case <-stopCtx.Done():
			break sendLoop
		case jobs <- batchJob{index: i, number: number}:
		}
	}
	close(jobs)
	wg.Wait()

	for i := range items {
		if !attempted[i] {
			items[i].Skipped = true
		}
	}

	result := &core.BatchResult{
		Items:        items,
		StoppedEarly: stopped,
		CompletedAt:  time.Now().UTC(),
	}
	result.Tally()
	return result
}

func readBatchNumbers(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close() // nolint:errcheck // best-effort cleanup on read-only file

	return parseBatchNumbers(file)
}

// parseBatchNumbers normalizes one company number per line. Blank lines and
// '#' comments are ignored; repeated numbers are kept once.
func parseBatchNumbers(r io.Reader) ([]string, error) {
	numbers := make([]string, 0)
	seen := make(map[string]struct{})

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		number, err := gateway.NormalizeCompanyNumber(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid company number on line %d: %w", line, err)
		}
		if _, dup := seen[number]; dup {
			continue
		}
		seen[number] = struct{}{}
		numbers = append(numbers, number)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return numbers, nil
}

func filterBatchResult(result *core.BatchResult, failedOnly bool) *core.BatchResult {
	if !failedOnly || result == nil {
		return result
	}

	filtered := *result
	filtered.Items = make([]core.BatchItem, 0, result.Failed+result.Skipped)
	for _, item := range result.Items {
		if item.Profile == nil {
			filtered.Items = append(filtered.Items, item)
		}
	}
	return &filtered
}

func logThroughput(lookups int, startedAt time.Time) {
	elapsed := time.Since(startedAt)
	if elapsed <= 0 || lookups == 0 || observability.CLILogger == nil {
		return
	}
	observability.CLILogger.Debug("Batch throughput",
		zap.Int("lookups", lookups),
		zap.Duration("elapsed", elapsed),
		zap.Float64("per_second", float64(lookups)/elapsed.Seconds()))
}
