// Package secrets redacts credentials from task text before it reaches logs,
// retrieval queries or routing memory.
//
// Detection runs a small set of compiled rules followed by the gitleaks
// default ruleset. Rule IDs and counts are kept for auditing; matched values
// never are.
package secrets
