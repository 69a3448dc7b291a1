package api

import (
	"context"
	"errors"

	"github.com/matheus3301/smartlink/internal/apperr"
	"github.com/matheus3301/smartlink/internal/backend"
	"github.com/matheus3301/smartlink/internal/chat"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// errNotFound marks lookups that found nothing in the local cache.
var errNotFound = errors.New("not found")

// toStatus maps the error taxonomy to gRPC status codes.
func toStatus(err error) error {
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case errors.Is(err, errNotFound) || backend.IsNotFound(err):
		code = codes.NotFound
	case apperr.IsAuthentication(err):
		code = codes.Unauthenticated
	case apperr.IsValidation(err):
		code = codes.InvalidArgument
	case apperr.IsConnection(err), errors.Is(err, chat.ErrStopped):
		code = codes.Unavailable
	case apperr.IsRemote(err), errors.Is(err, chat.ErrSuperseded):
		code = codes.Aborted
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return grpcstatus.Error(code, err.Error())
}
