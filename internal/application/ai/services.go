package ai

import (
	"context"

	"github.com/tsgfulfillment/questionnaire-api/internal/domain/ai"
)

type Service struct {
	client ai.Client
}

func NewService(client ai.Client) *Service {
	return &Service{client: client}
}

func (s *Service) Summarize(ctx context.Context, answers string) (string, error) {
	return s.client.Summarize(ctx, answers)
}
