package secrets

import "errors"

var (
	// ErrInvalidRegex indicates a rule or allow-list pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")

	// ErrMissingRuleID indicates a rule without an ID.
	ErrMissingRuleID = errors.New("rule ID is required")
)
