package smartmeter

import (
	"errors"
	"fmt"
)

// Error classes returned by the client. Callers match them with errors.Is.
var (
	// ErrConnection covers transport-level failures, possibly transient.
	ErrConnection = errors.New("smartmeter: connection error")

	// ErrLogin covers rejected credentials and other authentication failures.
	ErrLogin = errors.New("smartmeter: login failed")

	// ErrSessionExpired signals that the API rejected an authenticated call
	// and a fresh login is required.
	ErrSessionExpired = fmt.Errorf("%w: session expired", ErrLogin)

	// ErrQuery covers malformed or unexpected API responses.
	ErrQuery = errors.New("smartmeter: query error")
)
