// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import (
	"fmt"

	"github.com/absmach/testbroker/amqp1/types"
)

// DescriptorError is the descriptor of the AMQP error type.
const DescriptorError uint64 = 0x1d

// Standard error conditions.
const (
	ErrInternalError         types.Symbol = "amqp:internal-error"
	ErrNotFound              types.Symbol = "amqp:not-found"
	ErrUnauthorizedAccess    types.Symbol = "amqp:unauthorized-access"
	ErrDecodeError           types.Symbol = "amqp:decode-error"
	ErrResourceLimitExceeded types.Symbol = "amqp:resource-limit-exceeded"
	ErrNotAllowed            types.Symbol = "amqp:not-allowed"
	ErrInvalidField          types.Symbol = "amqp:invalid-field"
	ErrNotImplemented        types.Symbol = "amqp:not-implemented"
	ErrPreconditionFailed    types.Symbol = "amqp:precondition-failed"
	ErrIllegalState          types.Symbol = "amqp:illegal-state"

	ErrConnectionForced types.Symbol = "amqp:connection:forced"
	ErrFramingError     types.Symbol = "amqp:connection:framing-error"

	ErrWindowViolation  types.Symbol = "amqp:session:window-violation"
	ErrHandleInUse      types.Symbol = "amqp:session:handle-in-use"
	ErrUnattachedHandle types.Symbol = "amqp:session:unattached-handle"

	ErrDetachForced types.Symbol = "amqp:link:detach-forced"
	ErrStolen       types.Symbol = "amqp:link:stolen"
)

// Error is an AMQP error carried by detach, end, close and rejected.
type Error struct {
	Condition   types.Symbol
	Description string
	Info        map[types.Symbol]any
}

func (e *Error) Descriptor() uint64 { return DescriptorError }

func (e *Error) fields(f *types.Fields) {
	f.Symbol(e.Condition)
	f.String(e.Description)
	f.SymbolMap(e.Info)
}

// Error implements the error interface so AMQP errors can be returned and
// wrapped like any other Go error.
func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Condition)
	}
	return fmt.Sprintf("%s: %s", e.Condition, e.Description)
}

// NewError builds an Error with a formatted description.
func NewError(condition types.Symbol, format string, args ...any) *Error {
	return &Error{Condition: condition, Description: fmt.Sprintf(format, args...)}
}

// DecodeError decodes an error from a described value, returning nil when v
// is not an AMQP error.
func DecodeError(v any) *Error {
	fields, ok := describedFields(v, DescriptorError)
	if !ok {
		return nil
	}
	return &Error{
		Condition:   types.Symbol(types.AsString(types.Field(fields, 0))),
		Description: types.AsString(types.Field(fields, 1)),
		Info:        types.AsSymbolMap(types.Field(fields, 2)),
	}
}

func putError(f *types.Fields, e *Error) {
	if e == nil {
		f.Null()
		return
	}
	putComposite(f, e)
}
