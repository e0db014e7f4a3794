package domain

type ResultStatus string

const (
	StatusSuccess     ResultStatus = "SUCCESS"
	StatusError       ResultStatus = "ERROR"
	StatusRejected    ResultStatus = "REJECTED"
	StatusRateLimited ResultStatus = "RATE_LIMITED"
	StatusTimeout     ResultStatus = "TIMEOUT"
)

// CircuitSnapshot is a point-in-time view of a worker's circuit breaker,
// attached to envelopes produced while the breaker is degraded.
type CircuitSnapshot struct {
	Name             string  `json:"name"`
	State            string  `json:"state"`
	FailureCount     int     `json:"failure_count"`
	FailureThreshold int     `json:"failure_threshold"`
	RecoveryTimeout  float64 `json:"recovery_timeout"`
	LastFailureAt    int64   `json:"last_failure_at,omitempty"`
}

// Envelope is the sole result surface a caller ever sees. Data holds the
// provider's primary record payload with field names passed through
// unchanged from the provider response.
type Envelope struct {
	TaskID       string           `json:"task_id"`
	Status       ResultStatus     `json:"status"`
	Data         map[string]any   `json:"data,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	CircuitState *CircuitSnapshot `json:"circuit_state,omitempty"`
}

var (
	_ = []ResultStatus{StatusSuccess, StatusError, StatusRejected, StatusRateLimited, StatusTimeout}
)

func (s ResultStatus) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s ResultStatus) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }
