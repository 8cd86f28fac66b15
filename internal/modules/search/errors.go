// README: Classification of search failures into retryable and fatal.
package search

import (
	"context"
	"errors"
	"net"
	"strings"

	"ridedispatch/internal/maps"
	"ridedispatch/internal/modules/pricing"
)

var retryableFragments = []string{
	"timeout",
	"network",
	"econnreset",
	"econnrefused",
	"connection reset",
	"maps api",
	"no route found",
	"price calculation",
}

// IsRetryable reports whether an attempt failure should consume another
// attempt instead of failing the search.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, maps.ErrNoRoute) ||
		errors.Is(err, maps.ErrRouting) ||
		errors.Is(err, pricing.ErrPricing) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, f := range retryableFragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}
