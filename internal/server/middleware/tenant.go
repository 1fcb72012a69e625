package middleware

import (
	"net/http"
	"strings"

	"github.com/nexusai/chgate/internal/core/gateway"
)

// TenantHeader names the caller partition used for upstream budget accounting.
const TenantHeader = "X-Tenant-ID"

const maxTenantLength = 64

// TenantPartition routes the request's upstream calls to a budget partition
// named after the X-Tenant-ID header. Requests without the header use the
// shared default partition.
func TenantPartition(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := sanitizeTenant(r.Header.Get(TenantHeader))
		if tenant == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := gateway.WithRateLimitKey(r.Context(), "tenant:"+tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sanitizeTenant(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if len(value) > maxTenantLength {
		value = value[:maxTenantLength]
	}

	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		}
	}
	return b.String()
}
