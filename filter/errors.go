package filter

import "errors"

// ErrInvalidFilter is returned by Parse for malformed filter expressions.
var ErrInvalidFilter = errors.New("invalid filter")
