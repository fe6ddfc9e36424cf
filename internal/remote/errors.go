package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tinylingo/tinysync/internal/supabase"
)

// Error classes. Every error returned by the adapter wraps exactly one of
// them; use errors.Is to branch on retry behaviour.
var (
	// ErrTransient covers network failures, timeouts, throttling, server
	// errors and unique-key races. Safe to retry.
	ErrTransient = errors.New("remote: transient failure")

	// ErrPolicyRejected means the row-level access policy refused the call.
	// Retrying without a different identity will not help.
	ErrPolicyRejected = errors.New("remote: rejected by access policy")

	// ErrMalformedPayload means the store refused the shape of a row. The
	// normalization table exists to make this unreachable.
	ErrMalformedPayload = errors.New("remote: malformed payload")
)

// Error is a classified remote failure.
type Error struct {
	Op    string // push, pull, purge, context, users, sync_status
	Table string
	Code  string // SQLSTATE or service code, empty when unknown
	Class error  // ErrTransient, ErrPolicyRejected or ErrMalformedPayload
	Err   error
}

func (e *Error) Error() string {
	code := ""
	if e.Code != "" {
		code = " [" + e.Code + "]"
	}

	return fmt.Sprintf("remote: %s %s%s: %v", e.Op, e.Table, code, e.Err)
}

// Unwrap exposes both the class sentinel and the cause.
func (e *Error) Unwrap() []error {
	return []error{e.Class, e.Err}
}

// CodedError is a store failure that carries a code but no driver type,
// as produced by in-memory row stores.
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string {
	return e.Code + ": " + e.Message
}

// SQLState makes CodedError classify like a driver error.
func (e *CodedError) SQLState() string { return e.Code }

// sqlStater is implemented by *pgconn.PgError and CodedError.
type sqlStater interface {
	SQLState() string
}

var policyCodes = map[string]bool{
	"42501":    true, // insufficient_privilege (RLS violation)
	"28000":    true, // invalid_authorization_specification
	"PGRST301": true, // JWT rejected
	"PGRST302": true, // anonymous access disabled
}

var malformedCodes = map[string]bool{
	"23502":    true, // not_null_violation
	"23514":    true, // check_violation
	"42703":    true, // undefined_column
	"42804":    true, // datatype_mismatch
	"PGRST102": true, // invalid body
	"PGRST204": true, // unknown column
}

// Classify maps err to an error class and the code it was derived from.
// Unknown codes are transient.
func Classify(err error) (class error, code string) {
	switch {
	case err == nil:
		return nil, ""
	case errors.Is(err, ErrMalformedPayload):
		return ErrMalformedPayload, ""
	case errors.Is(err, ErrPolicyRejected):
		return ErrPolicyRejected, ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrTransient, ""
	}

	var st sqlStater
	if errors.As(err, &st) {
		code = st.SQLState()

		return classifyCode(code), code
	}

	var apiErr *supabase.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code != "" && (policyCodes[apiErr.Code] || malformedCodes[apiErr.Code]) {
			return classifyCode(apiErr.Code), apiErr.Code
		}

		switch {
		case errors.Is(apiErr, supabase.ErrUnauthorized), errors.Is(apiErr, supabase.ErrForbidden):
			return ErrPolicyRejected, apiErr.Code
		case errors.Is(apiErr, supabase.ErrBadRequest):
			return ErrMalformedPayload, apiErr.Code
		}

		return ErrTransient, apiErr.Code
	}

	return ErrTransient, ""
}

func classifyCode(code string) error {
	switch {
	case policyCodes[code]:
		return ErrPolicyRejected
	case malformedCodes[code], strings.HasPrefix(code, "22"):
		return ErrMalformedPayload
	default:
		// Includes 23505 unique_violation: a concurrent insert of the same
		// natural key, which the next upsert resolves.
		return ErrTransient
	}
}

// wrap converts err into a classified *Error. nil stays nil.
func wrap(op, table string, err error) error {
	if err == nil {
		return nil
	}

	var re *Error
	if errors.As(err, &re) {
		return err
	}

	class, code := Classify(err)

	return &Error{Op: op, Table: table, Code: code, Class: class, Err: err}
}

// IsRetryable reports whether err belongs to the transient class.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
