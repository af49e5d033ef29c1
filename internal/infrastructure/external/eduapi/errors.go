package eduapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/alem-hub/study-companion/internal/domain/shared"
)

const domain = "eduapi"

// mapStatus converts a non-2xx answer into the error taxonomy. Bodies follow
// the Django REST Framework shape: {"detail": "..."} or {"field": ["msg", ...]}.
func mapStatus(op string, credentialExchange bool, status int, body []byte) error {
	detail := gjson.GetBytes(body, "detail").String()

	switch {
	case status == http.StatusBadRequest:
		return shared.NewValidationError(domain, op, "request rejected", fieldErrors(body))

	case status == http.StatusUnauthorized:
		if detail == "" {
			if credentialExchange {
				detail = "invalid email or password"
			} else {
				detail = "authentication credentials were not accepted"
			}
		}
		return shared.NewAuthError(domain, op, detail, status)

	case status == http.StatusForbidden:
		if detail == "" {
			detail = "you do not have permission to perform this action"
		}
		return shared.NewAuthError(domain, op, detail, status)

	case status == http.StatusNotFound:
		if detail == "" {
			detail = "not found"
		}
		return shared.NewNotFoundError(domain, op, detail)

	case status == http.StatusTooManyRequests:
		if detail == "" {
			detail = "too many requests"
		}
		err := shared.NewNetworkError(domain, op, detail, nil, true)
		err.Status = status
		return err

	case status >= 500:
		if detail == "" {
			detail = http.StatusText(status)
		}
		return shared.NewServerError(domain, op, status, detail)
	}

	// Remaining 4xx (405, 409, 415, ...) are request problems.
	fields := fieldErrors(body)
	ve := shared.NewValidationError(domain, op, "request rejected with status "+strconv.Itoa(status), fields)
	ve.Status = status
	return ve
}

// fieldErrors flattens a DRF error body into field -> messages. Nested
// objects are keyed with dots ("responses.0.answer").
func fieldErrors(body []byte) map[string][]string {
	fields := map[string][]string{}
	if !gjson.ValidBytes(body) {
		if len(body) > 0 {
			fields[shared.NonFieldKey] = []string{string(body)}
		}
		return fields
	}
	collect(gjson.ParseBytes(body), "", fields)
	return fields
}

func collect(value gjson.Result, prefix string, fields map[string][]string) {
	switch {
	case value.IsObject():
		value.ForEach(func(k, v gjson.Result) bool {
			key := k.String()
			if prefix != "" {
				key = prefix + "." + key
			}
			collect(v, key, fields)
			return true
		})
	case value.IsArray():
		for i, item := range value.Array() {
			if item.IsObject() || item.IsArray() {
				collect(item, prefix+"."+strconv.Itoa(i), fields)
				continue
			}
			appendField(fields, prefix, item.String())
		}
	default:
		appendField(fields, prefix, value.String())
	}
}

func appendField(fields map[string][]string, key, msg string) {
	if key == "" {
		key = shared.NonFieldKey
	}
	fields[key] = append(fields[key], msg)
}

// transportError classifies failures where no response was received.
func transportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return shared.NewNetworkError(domain, op, "request cancelled", err, false)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return shared.NewNetworkError(domain, op, "request timed out", err, true)
	}
	return shared.NewNetworkError(domain, op, "backend unreachable", err, true)
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}
