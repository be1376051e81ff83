package ai

import "context"

type Client interface {
	Summarize(ctx context.Context, answers string) (string, error)
}
