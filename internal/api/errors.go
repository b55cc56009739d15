package api

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/palaver/internal/chat"
	"github.com/matheus3301/palaver/internal/reconcile"
	"github.com/matheus3301/palaver/internal/restapi"
)

// toStatus maps domain and collaborator errors onto gRPC codes.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *restapi.Error
	code := codes.Internal
	switch {
	case errors.Is(err, chat.ErrInvalidRecipient):
		code = codes.InvalidArgument
	case errors.Is(err, chat.ErrUnknownMessage):
		code = codes.NotFound
	case errors.Is(err, chat.ErrRetryExhausted), errors.Is(err, reconcile.ErrNoSession):
		code = codes.FailedPrecondition
	case errors.Is(err, chat.ErrNotConnected):
		code = codes.Unavailable
	case errors.Is(err, chat.ErrFetchSuperseded):
		code = codes.Aborted
	case errors.Is(err, chat.ErrSendRejected):
		code = codes.FailedPrecondition
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.As(err, &apiErr):
		code = httpCode(apiErr.Status)
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}

func httpCode(status int) codes.Code {
	switch {
	case status == http.StatusBadRequest:
		return codes.InvalidArgument
	case status == http.StatusUnauthorized:
		return codes.Unauthenticated
	case status == http.StatusForbidden:
		return codes.PermissionDenied
	case status == http.StatusNotFound:
		return codes.NotFound
	case status == http.StatusConflict:
		return codes.AlreadyExists
	case status == http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case status >= 500:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}
