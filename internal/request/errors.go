package request

import "errors"

// ErrUnexpectedResult is returned when a reply does not have the shape the
// request type promises, such as an apply-configuration reply without
// exactly one report.
var ErrUnexpectedResult = errors.New("request: unexpected result")
