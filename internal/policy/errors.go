package policy

import "errors"

var (
	errEmptyName          = errors.New("policy: name is required")
	errNegativeMaxRetries = errors.New("policy: max_retries must be >= 0")
	errBadMultiplier      = errors.New("policy: backoff_multiplier must be >= 1.0")
	errNegativeDelay      = errors.New("policy: delays must be >= 0")
	errBuiltinImmutable   = errors.New("policy: built-in policies cannot be replaced")
	errUnknownPolicy      = errors.New("policy: unknown policy")
)
