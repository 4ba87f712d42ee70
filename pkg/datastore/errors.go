package datastore

import "errors"

// ErrUserNotFound is returned by invite-code updates for an unknown user.
var ErrUserNotFound = errors.New("datastore: user not found")
