package fetcher

import (
	"context"
)

// JSONFetcher retrieves raw JSON from an upstream over HTTP.
type JSONFetcher interface {
	FetchJSON(ctx context.Context, req Request) ([]byte, error)
}

var _ JSONFetcher = (*Client)(nil)
