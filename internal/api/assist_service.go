package api

import (
	"context"

	"github.com/matheus3301/smartlink/internal/assist"
	"google.golang.org/grpc"
)

// AssistService exposes the translation and completion helpers.
type AssistService struct {
	client *assist.Client
}

// NewAssistService creates a new assist service.
func NewAssistService(c *assist.Client) *AssistService {
	return &AssistService{client: c}
}

func (s *AssistService) Register(r grpc.ServiceRegistrar) {
	register(r, AssistServiceName, []grpc.MethodDesc{
		unary(AssistServiceName, "Translate", s.Translate),
	}, serverStream("Complete", s.Complete))
}

func (s *AssistService) Translate(ctx context.Context, req *TranslateRequest) (*TranslateResponse, error) {
	out, err := s.client.Translate(ctx, req.Text, req.From, req.To)
	if err != nil {
		return nil, err
	}
	return &TranslateResponse{Translated: out}, nil
}

// Complete relays completion chunks as they arrive.
func (s *AssistService) Complete(ctx context.Context, req *CompleteRequest, send func(*Chunk) error) error {
	var sendErr error
	_, err := s.client.Complete(ctx, req.Messages, func(text string) {
		if sendErr == nil {
			sendErr = send(&Chunk{Text: text})
		}
	})
	if sendErr != nil {
		return sendErr
	}
	return err
}
