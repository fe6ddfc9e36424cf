package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/tinylingo/tinysync/internal/supabase"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		err   error
		class error
		code  string
	}{
		{"rls violation", &pgconn.PgError{Code: "42501"}, ErrPolicyRejected, "42501"},
		{"not null", &pgconn.PgError{Code: "23502"}, ErrMalformedPayload, "23502"},
		{"invalid text", &pgconn.PgError{Code: "22P02"}, ErrMalformedPayload, "22P02"},
		{"unique race", &pgconn.PgError{Code: "23505"}, ErrTransient, "23505"},
		{"serialization", fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40001"}), ErrTransient, "40001"},
		{"coded policy", &CodedError{Code: "PGRST301"}, ErrPolicyRejected, "PGRST301"},
		{"coded unknown", &CodedError{Code: "XX999"}, ErrTransient, "XX999"},
		{"deadline", context.DeadlineExceeded, ErrTransient, ""},
		{"plain", errors.New("connection reset"), ErrTransient, ""},
		{"http forbidden", &supabase.APIError{StatusCode: 403, Err: supabase.ErrForbidden}, ErrPolicyRejected, ""},
		{"http bad request", &supabase.APIError{StatusCode: 400, Err: supabase.ErrBadRequest}, ErrMalformedPayload, ""},
		{
			"http coded", &supabase.APIError{StatusCode: 400, Code: "PGRST204", Err: supabase.ErrBadRequest},
			ErrMalformedPayload, "PGRST204",
		},
		{"http 503", &supabase.APIError{StatusCode: 503, Err: supabase.ErrServerError}, ErrTransient, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			class, code := Classify(tt.err)
			assert.Equal(t, tt.class, class)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestWrap_UnwrapsToClassAndCause(t *testing.T) {
	t.Parallel()

	cause := &pgconn.PgError{Code: "42501", Message: "new row violates row-level security policy"}
	err := wrap("push", "user_worlds", cause)

	assert.ErrorIs(t, err, ErrPolicyRejected)
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsRetryable(err))
	assert.True(t, IsPolicy(err))
	assert.Contains(t, err.Error(), "push user_worlds [42501]")

	var re *Error
	assert.ErrorAs(t, err, &re)
	assert.Equal(t, "user_worlds", re.Table)

	// Already classified errors pass through.
	assert.Same(t, err, wrap("pull", "other", err))
	assert.NoError(t, wrap("push", "t", nil))
}
