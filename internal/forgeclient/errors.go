package forgeclient

import (
	"errors"
	"fmt"
	"strings"

	github "github.com/google/go-github/v75/github"
)

// Kind classifies a forge error the way the core is allowed to branch on.
// The core never inspects raw HTTP codes or go-github error types directly;
// it only ever matches on Kind, per the "replace exceptions used for control
// flow with a value carrying {kind, httpCode}" redesign note.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindUnprocessable Kind = "unprocessable"
	KindAmbiguous     Kind = "ambiguous"
	KindTimeout       Kind = "timeout"
	KindTransient     Kind = "transient"
)

// Error is the one error type the core inspects from a ForgeClient call.
type Error struct {
	Kind     Kind
	HTTPCode int
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("forge: %s: %s (%d): %v", e.Op, e.Kind, e.HTTPCode, e.Err)
	}
	return fmt.Sprintf("forge: %s: %s (%d)", e.Op, e.Kind, e.HTTPCode)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a forge "not found" error.
func IsNotFound(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindNotFound
}

// IsUnprocessable reports whether err is a forge "unprocessable" (422) error.
func IsUnprocessable(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindUnprocessable
}

// IsTimeout reports whether err is a mergeable-flag poll timeout.
func IsTimeout(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindTimeout
}

// classify converts a go-github error into our typed Error. resp may be nil
// when the call failed before receiving a response (network/transport error).
func classify(op string, err error, resp *github.Response) error {
	if err == nil {
		return nil
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		code := ghErr.Response.StatusCode
		kind := KindTransient
		switch code {
		case 404:
			kind = KindNotFound
		case 422:
			kind = KindUnprocessable
		case 300, 406:
			// GitHub returns an ambiguous-match style response for some
			// ref lookups that resolve to more than one object.
			kind = KindAmbiguous
		}
		return &Error{Kind: kind, HTTPCode: code, Op: op, Err: err}
	}

	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return &Error{Kind: KindTransient, HTTPCode: 403, Op: op, Err: err}
	}
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		return &Error{Kind: KindTransient, HTTPCode: 403, Op: op, Err: err}
	}

	if strings.Contains(err.Error(), "multiple") || strings.Contains(err.Error(), "ambiguous") {
		return &Error{Kind: KindAmbiguous, HTTPCode: 0, Op: op, Err: err}
	}

	httpCode := 0
	if resp != nil && resp.Response != nil {
		httpCode = resp.Response.StatusCode
	}
	return &Error{Kind: KindTransient, HTTPCode: httpCode, Op: op, Err: err}
}
