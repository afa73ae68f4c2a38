package smtpserver

import (
	"fmt"

	"github.com/aox-project/aox/smtp"
)

// xcheckf panics with a local-error smtpError wrapping err, for conditions
// that indicate a bug or infrastructure failure rather than bad client input.
func xcheckf(err error, format string, args ...any) {
	if err != nil {
		panic(smtpError{smtp.C451LocalErr, smtp.SeSys3Other0, fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err), false})
	}
}

type smtpError struct {
	code      int
	secode    string
	err       error
	userError bool // for logging at a lower level than server-side faults.
}

func (e smtpError) Error() string { return e.err.Error() }
func (e smtpError) Unwrap() error { return e.err }

func xsmtpErrorf(code int, secode string, userError bool, format string, args ...any) {
	panic(smtpError{code, secode, fmt.Errorf(format, args...), userError})
}

func xsmtpUserErrorf(code int, secode string, format string, args ...any) {
	xsmtpErrorf(code, secode, true, format, args...)
}

func xsmtpServerErrorf(code int, secode string, format string, args ...any) {
	xsmtpErrorf(code, secode, false, format, args...)
}
