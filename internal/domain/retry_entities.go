// Package domain defines retry and DLQ entities for resilient evaluation processing.
package domain

import (
	"strings"
	"time"
)

// RetryStatus represents the retry state of a queued evaluation.
type RetryStatus string

const (
	// RetryStatusNone indicates no retries have been attempted.
	RetryStatusNone RetryStatus = "none"
	// RetryStatusRetrying indicates the evaluation is being retried.
	RetryStatusRetrying RetryStatus = "retrying"
	// RetryStatusExhausted indicates all retries have been exhausted.
	RetryStatusExhausted RetryStatus = "exhausted"
	// RetryStatusDLQ indicates the evaluation has been moved to the DLQ.
	RetryStatusDLQ RetryStatus = "dlq"
)

// RetryConfig defines retry behavior for evaluation task processing.
type RetryConfig struct {
	MaxRetries         int
	InitialDelay       time.Duration
	MaxDelay           time.Duration
	Multiplier         float64
	Jitter             bool
	RetryableErrors    []string
	NonRetryableErrors []string
}

// DefaultRetryConfig returns the platform default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []string{
			"context deadline exceeded",
			"connection refused",
			"timeout",
			"temporary failure",
			"rate limited",
			"cluster unavailable",
			"broker unavailable",
			"storage unavailable",
		},
		NonRetryableErrors: []string{
			"invalid argument",
			"not found",
			"conflict",
			"invalid transition",
			"payload too large",
			"quota exceeded",
		},
	}
}

// RetryInfo tracks retry attempts for a queued evaluation.
type RetryInfo struct {
	AttemptCount  int
	MaxAttempts   int
	LastAttemptAt time.Time
	NextRetryAt   time.Time
	RetryStatus   RetryStatus
	LastError     string
	ErrorHistory  []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ShouldRetry determines if an evaluation should be retried based on the error and config.
func (ri *RetryInfo) ShouldRetry(err error, config RetryConfig) bool {
	if ri.AttemptCount >= config.MaxRetries {
		return false
	}
	if ri.RetryStatus == RetryStatusDLQ {
		return false
	}

	errorStr := strings.ToLower(err.Error())
	for _, nonRetryableErr := range config.NonRetryableErrors {
		if strings.Contains(errorStr, nonRetryableErr) {
			return false
		}
	}
	for _, retryableErr := range config.RetryableErrors {
		if strings.Contains(errorStr, retryableErr) {
			return true
		}
	}
	// Default to retryable for unclassified errors.
	return true
}

// CalculateNextRetryDelay calculates the delay before the next retry attempt.
func (ri *RetryInfo) CalculateNextRetryDelay(config RetryConfig) time.Duration {
	delay := time.Duration(float64(config.InitialDelay) * pow(config.Multiplier, float64(ri.AttemptCount)))
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.Jitter {
		jitter := time.Duration(float64(delay) * 0.2)
		delay += jitter
	}
	return delay
}

// UpdateRetryAttempt records an attempt and its error, if any.
func (ri *RetryInfo) UpdateRetryAttempt(err error) {
	ri.AttemptCount++
	ri.LastAttemptAt = time.Now()
	ri.UpdatedAt = time.Now()
	if err != nil {
		ri.LastError = err.Error()
		ri.ErrorHistory = append(ri.ErrorHistory, err.Error())
	}
}

// MarkAsExhausted marks the retry info as exhausted.
func (ri *RetryInfo) MarkAsExhausted() {
	ri.RetryStatus = RetryStatusExhausted
	ri.UpdatedAt = time.Now()
}

// MarkAsDLQ marks the retry info as moved to the DLQ.
func (ri *RetryInfo) MarkAsDLQ() {
	ri.RetryStatus = RetryStatusDLQ
	ri.UpdatedAt = time.Now()
}

// MarkAsRetrying marks the retry info as currently retrying.
func (ri *RetryInfo) MarkAsRetrying() {
	ri.RetryStatus = RetryStatusRetrying
	ri.UpdatedAt = time.Now()
}

// DLQJob represents an evaluation that has been moved to the Dead Letter Queue.
type DLQJob struct {
	EvalID           string
	OriginalPayload  QueueItem
	RetryInfo        RetryInfo
	FailureReason    string
	MovedToDLQAt     time.Time
	CanBeReprocessed bool
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}
