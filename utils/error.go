package utils

import "errors"

// ErrorRecordNotFound is the store-agnostic not-found sentinel returned by
// model lookups instead of leaking gorm.ErrRecordNotFound to callers.
var ErrorRecordNotFound = errors.New("record not found")
