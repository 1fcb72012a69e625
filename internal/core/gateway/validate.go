package gateway

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/nexusai/chgate/internal/core"
)

const (
	companyNumberLength = 8
	defaultItemsPerPage = 20
	maxItemsPerPage     = 100
	maxPage             = 10000
)

var companyNumberPattern = regexp.MustCompile(`^[A-Z0-9]{8}$`)

// InvalidInputError is returned for arguments rejected before any upstream
// call is made.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Kind implements the kinded error contract used by upstream.KindOf.
func (e *InvalidInputError) Kind() core.ErrorKind { return core.ErrorKindInvalidInput }

// NormalizeCompanyNumber trims and upper-cases number, left-pads purely
// numeric input to eight digits, and validates the result.
func NormalizeCompanyNumber(number string) (string, error) {
	value := strings.ToUpper(strings.TrimSpace(number))
	if value == "" {
		return "", &InvalidInputError{Field: "company_number", Reason: "is required"}
	}

	if isDigits(value) && len(value) < companyNumberLength {
		value = strings.Repeat("0", companyNumberLength-len(value)) + value
	}

	if !companyNumberPattern.MatchString(value) {
		return "", &InvalidInputError{Field: "company_number", Reason: fmt.Sprintf("%q is not an 8 character registration number", number)}
	}
	return value, nil
}

func normalizeQuery(query string) (string, error) {
	value := strings.Join(strings.Fields(query), " ")
	if value == "" {
		return "", &InvalidInputError{Field: "query", Reason: "is required"}
	}
	return value, nil
}

// normalizePage maps non-positive pages to the first page and rejects pages
// whose start index would run past what the registry serves.
func normalizePage(page int) (int, error) {
	switch {
	case page < 1:
		return 1, nil
	case page > maxPage:
		return 0, &InvalidInputError{Field: "page", Reason: fmt.Sprintf("must be at most %d", maxPage)}
	default:
		return page, nil
	}
}

func clampItemsPerPage(n int) int {
	switch {
	case n <= 0:
		return defaultItemsPerPage
	case n > maxItemsPerPage:
		return maxItemsPerPage
	default:
		return n
	}
}

func startIndex(page, itemsPerPage int) int {
	return (page - 1) * itemsPerPage
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return value != ""
}

type rateLimitKeyCtx struct{}

// WithRateLimitKey returns a context whose upstream calls spend budget from
// key instead of the gateway default.
func WithRateLimitKey(ctx context.Context, key string) context.Context {
	key = strings.TrimSpace(key)
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, rateLimitKeyCtx{}, key)
}

// RateLimitKeyFrom returns the partition key stored by WithRateLimitKey.
func RateLimitKeyFrom(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	key, ok := ctx.Value(rateLimitKeyCtx{}).(string)
	return key, ok && key != ""
}
