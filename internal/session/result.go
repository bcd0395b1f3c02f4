package session

import (
	"errors"
	"fmt"

	"github.com/rdobrynin/avito-scrape-message/internal/browser"
)

// ErrDeclined is returned by WithSession when another session holds the slot.
var ErrDeclined = errors.New("session declined")

// ErrorKind classifies a failure for callers that branch on it.
type ErrorKind int

const (
	// KindTransient covers timeouts and single failed automation steps.
	KindTransient ErrorKind = iota
	// KindFatal means the engine itself could not be acquired.
	KindFatal
	// KindNotAuthenticated means the post-login location failed the allow-list.
	KindNotAuthenticated
	// KindInvalid means the request was unusable before any work started.
	KindInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindNotAuthenticated:
		return "not_authenticated"
	case KindInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error wraps an engine or pipeline failure so raw engine errors never reach
// callers unclassified.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

// Outcome tells apart a successful operation, a no-op and a failure.
type Outcome int

const (
	Succeeded Outcome = iota
	Declined
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Declined:
		return "declined"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result is returned by every session operation. Declines are values, not
// errors; Err is set only when Outcome is Failed.
type Result struct {
	Outcome Outcome
	Message string
	Err     error
	// Cookies are the authenticated cookies after a successful login.
	Cookies []browser.Cookie
}

// Success is the flag HTTP callers see.
func (r Result) Success() bool { return r.Outcome == Succeeded }

func succeeded(msg string) Result { return Result{Outcome: Succeeded, Message: msg} }

func declined(msg string) Result { return Result{Outcome: Declined, Message: msg} }

func failed(prefix string, err *Error) Result {
	return Result{Outcome: Failed, Message: prefix + ": " + err.Error(), Err: err}
}
