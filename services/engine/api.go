package engine

import (
	"time"

	"signalsim/services/market"
)

// End-to-end API with error taxonomy

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e APIError) Error() string {
	if e.Details != "" {
		return e.Code + ": " + e.Message + " (" + e.Details + ")"
	}
	return e.Code + ": " + e.Message
}

// WithDetails returns a copy of e carrying details.
func (e APIError) WithDetails(details string) *APIError {
	e.Details = details
	return &e
}

var (
	ErrInvalidParams   = APIError{Code: "INVALID_PARAMS", Message: "Invalid parameters provided"}
	ErrDataNotFound    = APIError{Code: "DATA_NOT_FOUND", Message: "Required data not available"}
	ErrExecutionFailed = APIError{Code: "EXECUTION_FAILED", Message: "Simulation execution failed"}
	ErrJobNotFound     = APIError{Code: "JOB_NOT_FOUND", Message: "Backtest job not found"}
	ErrQueueFull       = APIError{Code: "QUEUE_FULL", Message: "Job queue is full"}
	ErrTimeout         = APIError{Code: "TIMEOUT", Message: "Operation timed out"}
)

// Job status values
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// BacktestRunRequest submits a backtest. Candles are taken inline, or loaded
// from the candle store by Ticker and [From, To] when Candles is empty.
type BacktestRunRequest struct {
	Ticker         string          `json:"ticker"`
	Candles        []market.Candle `json:"candles,omitempty"`
	Signals        []market.Signal `json:"signals"`
	From           time.Time       `json:"from,omitempty"`
	To             time.Time       `json:"to,omitempty"`
	InitialCapital float64         `json:"initial_capital,omitempty"`
}

type BacktestRunResponse struct {
	JobID  string    `json:"job_id"`
	Status string    `json:"status"`
	Error  *APIError `json:"error,omitempty"`
}

type BacktestResultResponse struct {
	JobID   string    `json:"job_id"`
	Status  string    `json:"status"`
	Results any       `json:"results,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}
