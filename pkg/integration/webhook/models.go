// Package webhook provides the outbound HTTP client used to replay report
// completion payloads to the downstream job-runner endpoints.
package webhook

import "time"

// DeliveryResult represents the outcome of a single delivery attempt.
type DeliveryResult struct {
	URL          string        `json:"url"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body,omitempty"`
	Duration     time.Duration `json:"duration_ms"`
	Success      bool          `json:"success"`
	Error        string        `json:"error,omitempty"`
	DeliveredAt  time.Time     `json:"delivered_at"`
}
