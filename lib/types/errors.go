package types

import (
	"fmt"

	"golang.org/x/xerrors"
)

// error kinds; match with xerrors.Is
var (
	ErrAdmission         = xerrors.New("admission denied")
	ErrLedgerTransaction = xerrors.New("ledger transaction failed")
	ErrEndpointDetection = xerrors.New("endpoint detection failed")
	ErrConfigMissing     = xerrors.New("required config missing")
	ErrContentFetch      = xerrors.New("content fetch failed")
	ErrPin               = xerrors.New("pin failed")
	ErrDuplicateContent  = xerrors.New("content already registered")
	ErrNotFound          = xerrors.New("not found")
)

// Error attaches an operation and a cause to one of the kinds above.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an Error of kind whose cause is a formatted message.
func Errorf(kind error, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: xerrors.Errorf(format, args...)}
}

func IsAdmission(err error) bool {
	return xerrors.Is(err, ErrAdmission)
}

func IsNotFound(err error) bool {
	return xerrors.Is(err, ErrNotFound)
}
