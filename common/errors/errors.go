// Package errors tags failures with the kind reported at the query and
// control surfaces.
package errors

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindInternal
	KindValidation
	KindNotFound
	KindPermission
	KindDriverMissing
	KindTimeout
)

var kindNames = [...]string{
	KindUnknown:       "unknown",
	KindInternal:      "internal",
	KindValidation:    "validation",
	KindNotFound:      "not_found",
	KindPermission:    "permission",
	KindDriverMissing: "driver-missing",
	KindTimeout:       "timeout",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}

	return kindNames[KindUnknown]
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name; unrecognised names become KindUnknown.
func (k *Kind) UnmarshalText(b []byte) error {
	*k = KindUnknown

	for i, name := range kindNames {
		if name == string(b) {
			*k = Kind(i)
			break
		}
	}

	return nil
}

// kindError carries a kind alongside a message and an optional cause.
type kindError struct {
	kind  Kind
	msg   string
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return e.msg
	}

	return e.msg + ": " + e.cause.Error()
}

func (e *kindError) Unwrap() error { return e.cause }

// Is lets a causeless kindError act as a sentinel: it matches any kindError
// of the same kind and message.
func (e *kindError) Is(target error) bool {
	t, ok := target.(*kindError)

	return ok && t.cause == nil && t.kind == e.kind && t.msg == e.msg
}

func New(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

func Errorf(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind and a message. A nil err stays nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}

	return &kindError{kind: kind, msg: msg, cause: err}
}

// GetKind returns the kind of the outermost tagged error in err's chain.
func GetKind(err error) Kind {
	var e *kindError
	if errors.As(err, &e) {
		return e.kind
	}

	return KindUnknown
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}
