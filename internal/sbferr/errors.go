// Package sbferr defines the E_SBFSPOT exit-code taxonomy shared by every
// core component, so the polling loop can tell a transient link hiccup
// from an application error or a plain "no data for this window".
package sbferr

import "fmt"

// Code is one of the E_SBFSPOT error codes. Negative values are failures;
// positive values are warnings the caller may choose to ignore.
type Code int

const (
	OK             Code = 0
	NoData         Code = -1
	BadArg         Code = -2
	Checksum       Code = -3
	BufOverflow    Code = -4
	ArchNoData     Code = -5
	Init           Code = -6
	InvalidPasswd  Code = -7
	Retry          Code = -8
	EOF            Code = -9
	Privilege      Code = -10
	Comm           Code = -12
	FWVersion      Code = -13
	LRINotAvail    Code = 21
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case NoData:
		return "E_NODATA"
	case BadArg:
		return "E_BADARG"
	case Checksum:
		return "E_CHKSUM"
	case BufOverflow:
		return "E_BUFOVRFLW"
	case ArchNoData:
		return "E_ARCHNODATA"
	case Init:
		return "E_INIT"
	case InvalidPasswd:
		return "E_INVPASSW"
	case Retry:
		return "E_RETRY"
	case EOF:
		return "E_EOF"
	case Privilege:
		return "E_PRIVILEGE"
	case Comm:
		return "E_COMM"
	case FWVersion:
		return "E_FWVERSION"
	case LRINotAvail:
		return "LRI not available"
	default:
		return fmt.Sprintf("E_SBFSPOT(%d)", int(c))
	}
}

// Error wraps a Code as a standard Go error, optionally annotated with
// context (the inverter name, the query in flight, ...).
type Error struct {
	Code    Code
	Context string
}

func (e *Error) Error() string {
	if e.Context == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code.String(), e.Context)
}

// New builds an *Error for the given code and context.
func New(code Code, context string) error {
	return &Error{Code: code, Context: context}
}

// Is reports whether target is an *Error with the same Code, so callers
// can use errors.Is(err, sbferr.Sentinel(sbferr.NoData)) instead of
// type-asserting.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinel returns a bare *Error for use as an errors.Is target, e.g.
// errors.Is(err, sbferr.Sentinel(sbferr.NoData)).
func Sentinel(code Code) error {
	return &Error{Code: code}
}

// Fatal reports whether the code represents a hard failure the caller
// cannot recover from by retrying the same query.
func (c Code) Fatal() bool {
	switch c {
	case Checksum, BufOverflow, BadArg, FWVersion:
		return true
	default:
		return false
	}
}
