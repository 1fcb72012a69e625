package metrics

import "strconv"

// Error response series.
const (
	ErrorResponsesTotal = "error_responses_total"
	EndpointErrorsTotal = "endpoint_errors_total"
	PanicsTotal         = "panics_total"
)

// RecordError counts an error response by envelope code and HTTP status.
func RecordError(code string, httpStatus int) {
	counter(ErrorResponsesTotal, map[string]string{
		"error_code":  code,
		"http_status": strconv.Itoa(httpStatus),
	})
}

// RecordErrorByEndpoint counts an error response against its route pattern.
func RecordErrorByEndpoint(endpoint, code string) {
	counter(EndpointErrorsTotal, map[string]string{
		"endpoint":   endpoint,
		"error_code": code,
	})
}

// RecordPanic counts a recovered handler panic.
func RecordPanic() {
	counter(PanicsTotal, nil)
}
