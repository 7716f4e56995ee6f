package dazee

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrorClass splits failures into the two recovery regimes: infrastructure
// failures are retried below the executor, business failures feed the
// backtrack manager.
type ErrorClass string

const (
	ClassInfrastructure ErrorClass = "infrastructure"
	ClassBusiness       ErrorClass = "business"
)

// Infrastructure failure kinds.
const (
	InfraRateLimit   = "rate_limit"
	InfraNetwork     = "network"
	InfraProvider5xx = "provider_5xx"
	InfraTimeout     = "timeout"
)

// Business failure kinds.
const (
	BizWrongTool        = "wrong_tool"
	BizBadParam         = "bad_param"
	BizEmptyResult      = "empty_result"
	BizValidationFailed = "validation_failed"
	BizIntentUnclear    = "intent_unclear"
	// BizUserRejected marks a required-confirmation tool call the user
	// declined. It feeds the backtrack manager like any business failure so
	// the model tries another approach instead of the session dying.
	BizUserRejected = "user_rejected"
)

// ErrorClassification labels one failure surface. Class selects the variant;
// RetryAfter is set only for rate-limited infrastructure failures.
type ErrorClassification struct {
	Class      ErrorClass    `json:"class"`
	Kind       string        `json:"kind"`
	Detail     string        `json:"detail,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Infrastructure reports whether the failure is environmental.
func (c ErrorClassification) Infrastructure() bool { return c.Class == ClassInfrastructure }

// Business reports whether the failure needs a strategy change, not a retry.
func (c ErrorClassification) Business() bool { return c.Class == ClassBusiness }

func infraClass(kind, detail string) ErrorClassification {
	return ErrorClassification{Class: ClassInfrastructure, Kind: kind, Detail: detail}
}

func bizClass(kind, detail string) ErrorClassification {
	return ErrorClassification{Class: ClassBusiness, Kind: kind, Detail: detail}
}

// ClassifyToolError maps a tool failure surface to its classification. By the
// time this is consulted, infrastructure retries below the executor have
// already been exhausted, so the result decides the backtrack path.
func ClassifyToolError(err error, result ToolResult) ErrorClassification {
	if err != nil {
		var he *ErrHTTP
		var ve *ErrValidation
		switch {
		case errors.As(err, &ve):
			return bizClass(BizBadParam, ve.Error())
		case errors.As(err, &he):
			return classifyHTTP(he)
		case errors.Is(err, context.DeadlineExceeded):
			return infraClass(InfraTimeout, "tool handler timeout")
		case isNetworkErrString(err.Error()):
			return infraClass(InfraNetwork, err.Error())
		default:
			return bizClass(BizWrongTool, err.Error())
		}
	}
	if result.Error != "" {
		return bizClass(BizWrongTool, result.Error)
	}
	if strings.TrimSpace(result.Content) == "" {
		return bizClass(BizEmptyResult, "tool returned no content")
	}
	return bizClass(BizValidationFailed, "result rejected")
}

// ClassifyModelError maps a provider failure (after the retry layer gave up)
// to its classification.
func ClassifyModelError(err error) ErrorClassification {
	var he *ErrHTTP
	if errors.As(err, &he) {
		return classifyHTTP(he)
	}
	var le *ErrLLM
	if errors.As(err, &le) {
		if strings.Contains(strings.ToLower(le.Message), "overloaded") {
			return infraClass(InfraProvider5xx, le.Message)
		}
		return infraClass(InfraNetwork, le.Message)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return infraClass(InfraTimeout, err.Error())
	}
	return infraClass(InfraNetwork, err.Error())
}

func classifyHTTP(he *ErrHTTP) ErrorClassification {
	switch {
	case he.Status == 429 || strings.Contains(strings.ToLower(he.Body), "rate limit"):
		c := infraClass(InfraRateLimit, he.Body)
		c.RetryAfter = he.RetryAfter
		return c
	case he.Status >= 500 || strings.Contains(strings.ToLower(he.Body), "overloaded"):
		return infraClass(InfraProvider5xx, he.Body)
	default:
		return infraClass(InfraNetwork, he.Body)
	}
}

// isNetworkErrString catches the connectivity failures that reach us as
// opaque strings: DNS, TLS, resets, refusals.
func isNetworkErrString(s string) bool {
	s = strings.ToLower(s)
	for _, marker := range []string{
		"connection reset", "connection refused", "no such host",
		"tls", "dns", "broken pipe", "i/o timeout", "eof",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
