package secrets

func rule(id, desc, severity, pattern string, keywords ...string) Rule {
	return Rule{ID: id, Description: desc, Severity: severity, Pattern: pattern, Keywords: keywords}
}

// DefaultRules returns the built-in rules. They target credentials that get
// pasted into task text or context values; the gitleaks ruleset covers the
// long tail.
func DefaultRules() []Rule {
	return []Rule{
		rule("aws-access-key-id", "AWS access key ID", "high",
			`(A3T[A-Z0-9]|AKIA|ASIA)[A-Z0-9]{16}`),
		rule("anthropic-api-key", "Anthropic API key", "high",
			`sk-ant-[A-Za-z0-9_\-]{32,}`),
		rule("openai-api-key", "OpenAI API key", "high",
			`sk-(?:proj-)?[A-Za-z0-9_\-]{32,}`, "sk-"),
		rule("github-token", "GitHub token", "high",
			`(?:ghp|gho|ghu|ghs)_[A-Za-z0-9]{36}`),
		rule("slack-token", "Slack token", "high",
			`xox[baprs]-[A-Za-z0-9\-]{10,}`),
		rule("private-key", "PEM private key", "high",
			`-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----`),
		rule("nats-nkey-seed", "NATS nkey seed", "high",
			`SU[A-Z2-7]{56}`),
		rule("connection-url", "Connection URL with embedded credentials", "high",
			`(?i)(?:postgres|postgresql|mysql|mongodb|redis|amqp|nats|https?)://[^:/\s]+:[^@\s]+@[^\s]+`),
		rule("api-key-assignment", "API key assignment", "high",
			`(?i)(?:api[_-]?key|apikey)\s*[:=]\s*['"]?[A-Za-z0-9_\-]{16,64}['"]?`, "api"),
		rule("password-assignment", "Password or secret assignment", "high",
			`(?i)(?:secret|password|passwd|pwd)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`, "secret", "password", "passwd", "pwd"),
		rule("bearer-token", "Bearer token", "medium",
			`(?i)bearer\s+[A-Za-z0-9_\-\.]{20,}`, "bearer"),
		rule("jwt", "JSON web token", "medium",
			`eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`),
	}
}
