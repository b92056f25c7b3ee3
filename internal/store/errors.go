package store

import "errors"

// Sentinel errors returned by Store operations, generalizing the plain
// fmt.Errorf()-and-string-match idiom of the original Python implementation
// into typed errors the Chat Core can branch on (spec §7's validation
// taxonomy: duplicate username, unknown recipient/user, ...).
var (
	ErrUserExists   = errors.New("store: username already exists")
	ErrUserNotFound = errors.New("store: user not found")
)
