package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
)

// maxChatAttempts bounds provider retries: one initial call plus two retries.
const maxChatAttempts = 3

// isRetryableError classifies provider failures worth another attempt:
// rate limits, 5xx, and transient network errors. Context cancellation and
// deadline expiry belong to the caller and are never retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var aerr *anthropic.Error
	if errors.As(err, &aerr) {
		return retryableStatus(aerr.StatusCode)
	}
	var oerr *openai.APIError
	if errors.As(err, &oerr) {
		return retryableStatus(oerr.HTTPStatusCode)
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}

	msg := err.Error()
	for _, marker := range []string{
		"connection reset",
		"connection refused",
		"no such host",
		"rate limit",
		"too many requests",
		"overloaded",
		"status 429",
		"status 500",
		"status 502",
		"status 503",
		"status 529",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return code == 529 // Anthropic "overloaded_error"
}

// sleepBackoff waits base*2^attempt before the next try. Returns false when
// the context ended during the wait.
func sleepBackoff(ctx context.Context, base time.Duration, attempt int) bool {
	d := base << attempt
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// sendChunk delivers c unless ctx ends first, so a producer can never block
// forever on a consumer that cancelled and walked away. Reports delivery.
func sendChunk(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
