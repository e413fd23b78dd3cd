package llm

import (
	"context"
	"errors"
	"net"

	"github.com/sashabaranov/go-openai"
)

// ErrorClass partitions upstream failures for retry decisions.
type ErrorClass int

const (
	// ClassTransient covers failures worth retrying against another
	// account: rate-limit rejections (429), 5xx responses, and network
	// errors.
	ClassTransient ErrorClass = iota

	// ClassTerminal covers failures that will not succeed on retry:
	// malformed input, auth failures, any 4xx other than 429.
	ClassTerminal

	// ClassCanceled covers context cancellation and deadline expiry.
	// The dispatcher reports these as Timeout rather than retrying.
	ClassCanceled
)

// Classify maps a provider error to its retry class.
//
// Classification is a pure function of the error so it can be tested in
// isolation; the dispatcher never inspects provider errors directly.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCanceled
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode)
	}

	// Connection resets, DNS failures and the like are worth another
	// attempt on a different account.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassTransient
}

// StatusCode extracts the HTTP status from a provider error, or 0 when
// none is available.
func StatusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func classifyStatus(status int) ErrorClass {
	switch {
	case status == 429:
		return ClassTransient
	case status >= 500:
		return ClassTransient
	case status >= 400:
		return ClassTerminal
	default:
		return ClassTransient
	}
}
