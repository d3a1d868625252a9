package types

import "context"

// Fetcher is the opaque asynchronous fetch primitive supplied by the
// networking/business layer. The performance layer never opens sockets of
// its own; everything it loads goes through a Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint string, params map[string]string) ([]byte, error)
}

// FetcherFunc adapts a plain function to the Fetcher interface
type FetcherFunc func(ctx context.Context, endpoint string, params map[string]string) ([]byte, error)

// Fetch implements Fetcher
func (f FetcherFunc) Fetch(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	return f(ctx, endpoint, params)
}

// Reconfigurable is implemented by components whose behavior is governed by
// the active optimization level. Reconfigure must apply the profile as a
// single atomic replace.
type Reconfigurable interface {
	Reconfigure(level OptimizationLevel)
}
