package models

//nolint:gosec //file not handles sensitive data
const (
	MwAPIKeyHeader = "X-API-Key"

	MwUserIDKey = "userID"
	MwClaimsKey = "claims"
)
