package binance

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"

	"github.com/adshao/go-binance/v2/common"

	"spot-grid/internal/core"
)

const (
	apiCodeDisconnected     = -1001
	apiCodeTooManyRequests  = -1003
	apiCodeUnexpectedResp   = -1006
	apiCodeTimeout          = -1007
	apiCodeServerBusy       = -1008
	apiCodeTooManyOrders    = -1015
	apiCodeInvalidTimestamp = -1021
	apiCodeFilterFailure    = -1013
	apiCodeBadPrecision     = -1111
	apiCodeBadSymbol        = -1121
	apiCodeNewOrderRejected = -2010
	apiCodeCancelRejected   = -2011
	apiCodeOrderNotFound    = -2013
)

var transientAPICodes = map[int64]struct{}{
	apiCodeDisconnected:     {},
	apiCodeTooManyRequests:  {},
	apiCodeUnexpectedResp:   {},
	apiCodeTimeout:          {},
	apiCodeServerBusy:       {},
	apiCodeTooManyOrders:    {},
	apiCodeInvalidTimestamp: {},
}

var apiErrorMessageKinds = map[string]error{
	"duplicate order sent.":                                  core.ErrDuplicateOrder,
	"account has insufficient balance for requested action.": core.ErrInsufficientBalance,
	"balance is insufficient.":                               core.ErrInsufficientBalance,
	"unknown order sent.":                                    core.ErrOrderNotFound,
	"order does not exist.":                                  core.ErrOrderNotFound,
}

// classify joins err with the core sentinels callers branch on. The
// original error stays in the chain for logging and AsAPIError.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := AsAPIError(err); ok {
		kinds := apiErrorKinds(apiErr)
		if len(kinds) == 0 {
			return err
		}
		return errors.Join(append([]error{err}, kinds...)...)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if isNetworkError(err) {
		return errors.Join(core.ErrVenueUnavailable, err)
	}
	return err
}

func apiErrorKinds(apiErr *common.APIError) []error {
	kinds := make([]error, 0, 2)
	msgKind, hasMsgKind := apiErrorMessageKinds[normalizeAPIErrorMsg(apiErr.Message)]

	switch {
	case apiErr.Code == 0:
		// an error status without a Binance body, usually a proxy or 5xx page
		kinds = appendErrorKind(kinds, core.ErrVenueUnavailable)
	case isTransientCode(apiErr.Code):
		kinds = appendErrorKind(kinds, core.ErrVenueUnavailable)
	case apiErr.Code == apiCodeOrderNotFound:
		kinds = appendErrorKind(kinds, core.ErrOrderNotFound)
	case apiErr.Code == apiCodeCancelRejected:
		if hasMsgKind {
			kinds = appendErrorKind(kinds, msgKind)
		} else {
			kinds = appendErrorKind(kinds, core.ErrOrderNotFound)
		}
	case apiErr.Code == apiCodeNewOrderRejected,
		apiErr.Code == apiCodeFilterFailure,
		apiErr.Code == apiCodeBadPrecision,
		apiErr.Code == apiCodeBadSymbol:
		kinds = appendErrorKind(kinds, core.ErrOrderRejected)
	}
	if hasMsgKind {
		kinds = appendErrorKind(kinds, msgKind)
	}
	return kinds
}

func isTransientCode(code int64) bool {
	_, ok := transientAPICodes[code]
	return ok
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func appendErrorKind(kinds []error, kind error) []error {
	if kind == nil {
		return kinds
	}
	for _, existing := range kinds {
		if existing == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

func normalizeAPIErrorMsg(msg string) string {
	return strings.ToLower(strings.TrimSpace(msg))
}

func AsAPIError(err error) (*common.APIError, bool) {
	if err == nil {
		return nil, false
	}
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return nil, false
	}
	return apiErr, true
}

func IsAPIErrorCode(err error, codes ...int64) bool {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	for _, code := range codes {
		if apiErr.Code == code {
			return true
		}
	}
	return false
}
