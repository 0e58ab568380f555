package gdrive

import (
	"errors"
	"net"
	"net/http"

	"dp-chatbot-go/pkg/errs"

	"google.golang.org/api/googleapi"
)

// classify maps a Google API failure onto the errs taxonomy.
// Rate limits, 5xx and network failures are transient; auth failures are not.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusNotFound:
			return errs.NotFound(op, gerr.Message)
		case gerr.Code == http.StatusTooManyRequests, gerr.Code >= 500:
			return errs.Transient(op, err)
		case gerr.Code == http.StatusForbidden && isRateLimitReason(gerr):
			return errs.Transient(op, err)
		case gerr.Code == http.StatusUnauthorized, gerr.Code == http.StatusForbidden:
			return errs.Validation(op, "google credentials rejected: "+gerr.Message)
		case gerr.Code == http.StatusBadRequest:
			return errs.Validation(op, gerr.Message)
		}
		return errs.Internal(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.Transient(op, err)
	}
	return errs.Internal(op, err)
}

// Drive reports per-user quota exhaustion as 403 with a rate-limit reason.
func isRateLimitReason(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return true
		}
	}
	return false
}
