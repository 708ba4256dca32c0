package rules

import (
	"errors"
	"fmt"
)

// Code identifies why a check, rule or ruleset was rejected
type Code int

const (
	CodeMissingOperator Code = iota + 1
	CodeInvalidOperator
	CodeMissingKey
	CodeMissingValue
	CodeInvalidValue
	CodeMissingChecks
	CodeEmptyChecks
	CodeInvalidChild
	CodeInvalidOutcome
	CodeMissingCheck
	CodeMaxDepthExceeded
	CodeMaxFanOutExceeded
	CodeDuplicateRuleKey
	CodeUnexpectedField
	CodeInvalidNode
	CodeMalformedDocument
)

var codeNames = map[Code]string{
	CodeMissingOperator:   "missing_operator",
	CodeInvalidOperator:   "invalid_operator",
	CodeMissingKey:        "missing_key",
	CodeMissingValue:      "missing_value",
	CodeInvalidValue:      "invalid_value",
	CodeMissingChecks:     "missing_checks",
	CodeEmptyChecks:       "empty_checks",
	CodeInvalidChild:      "invalid_child",
	CodeInvalidOutcome:    "invalid_outcome",
	CodeMissingCheck:      "missing_check",
	CodeMaxDepthExceeded:  "max_depth_exceeded",
	CodeMaxFanOutExceeded: "max_fan_out_exceeded",
	CodeDuplicateRuleKey:  "duplicate_rule_key",
	CodeUnexpectedField:   "unexpected_field",
	CodeInvalidNode:       "invalid_node",
	CodeMalformedDocument: "malformed_document",
}

// String returns the snake_case name used in logs and API responses
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Sentinels for errors.Is. They match any ValidationError with the same code,
// regardless of path or detail.
var (
	ErrMissingOperator   = &ValidationError{Code: CodeMissingOperator}
	ErrInvalidOperator   = &ValidationError{Code: CodeInvalidOperator}
	ErrMissingKey        = &ValidationError{Code: CodeMissingKey}
	ErrMissingValue      = &ValidationError{Code: CodeMissingValue}
	ErrInvalidValue      = &ValidationError{Code: CodeInvalidValue}
	ErrMissingChecks     = &ValidationError{Code: CodeMissingChecks}
	ErrEmptyChecks       = &ValidationError{Code: CodeEmptyChecks}
	ErrEmptyChildren     = ErrEmptyChecks
	ErrInvalidChild      = &ValidationError{Code: CodeInvalidChild}
	ErrInvalidOutcome    = &ValidationError{Code: CodeInvalidOutcome}
	ErrMissingCheck      = &ValidationError{Code: CodeMissingCheck}
	ErrMaxDepthExceeded  = &ValidationError{Code: CodeMaxDepthExceeded}
	ErrMaxFanOutExceeded = &ValidationError{Code: CodeMaxFanOutExceeded}
	ErrDuplicateRuleKey  = &ValidationError{Code: CodeDuplicateRuleKey}
	ErrUnexpectedField   = &ValidationError{Code: CodeUnexpectedField}
	ErrInvalidNode       = &ValidationError{Code: CodeInvalidNode}

	// ErrMalformedDocument wraps a JSON or YAML syntax error in the raw document
	ErrMalformedDocument = &ValidationError{Code: CodeMalformedDocument}
)

// ValidationError reports a malformed check, rule or ruleset.
//
// Path locates the offending node in wire form ("$" is the root, e.g.
// "$[1].check.checks[0]"). Err holds the nested cause for InvalidChild.
type ValidationError struct {
	Code   Code
	Path   string
	Detail string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := e.Code.String()
	if e.Path != "" {
		msg = e.Path + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a ValidationError carrying the same code
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the outermost ValidationError in err's chain
func CodeOf(err error) (Code, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code, true
	}
	return 0, false
}

// RootCause returns the innermost ValidationError in err's chain. For an
// InvalidChild error this is the failure that actually triggered rejection.
func RootCause(err error) *ValidationError {
	var root *ValidationError
	for err != nil {
		if ve, ok := err.(*ValidationError); ok {
			root = ve
		}
		err = errors.Unwrap(err)
	}
	return root
}

func malformed(format string, err error) *ValidationError {
	return &ValidationError{Code: CodeMalformedDocument, Path: "$", Detail: "decode " + format, Err: err}
}

func newError(code Code, path, detail string) *ValidationError {
	return &ValidationError{Code: code, Path: path, Detail: detail}
}
