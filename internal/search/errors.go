package search

import "errors"

// Sentinel errors for the search layer.
var (
	ErrMissingAPIKey       = errors.New("search: API key is required but not configured")
	ErrMissingSearchID     = errors.New("search: search engine ID is required but not configured")
	ErrProviderNotFound    = errors.New("search: provider not found")
	ErrNoDefaultProvider   = errors.New("search: no default provider configured")
	ErrProviderAuth        = errors.New("search: provider rejected credentials")
	ErrRateLimited         = errors.New("search: provider rate limit exceeded")
	ErrInvalidResponse     = errors.New("search: provider response could not be parsed")
	ErrUnsupportedProvider = errors.New("search: unsupported provider type")
)
