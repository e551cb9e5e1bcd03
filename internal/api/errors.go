package api

import (
	"context"
	"errors"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/subscription"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps a domain error to a gRPC status error.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		verr *syncerr.ValidationError
		terr *syncerr.TransientError
		serr *syncerr.SubscriptionError
	)
	switch {
	case errors.As(err, &verr):
		return grpcstatus.Errorf(codes.InvalidArgument, "%s: %v", op, err)
	case errors.Is(err, store.ErrNotFound):
		return grpcstatus.Errorf(codes.NotFound, "%s: %v", op, err)
	case errors.Is(err, outbox.ErrInvalidTransition),
		errors.Is(err, subscription.ErrClosed),
		errors.Is(err, subscription.ErrNotIdle):
		return grpcstatus.Errorf(codes.FailedPrecondition, "%s: %v", op, err)
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrNoSubject), errors.Is(err, auth.ErrNotLoggedIn):
		return grpcstatus.Errorf(codes.Unauthenticated, "%s: %v", op, err)
	case errors.Is(err, context.Canceled):
		return grpcstatus.Errorf(codes.Canceled, "%s: %v", op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Errorf(codes.DeadlineExceeded, "%s: %v", op, err)
	case errors.As(err, &terr), errors.As(err, &serr):
		return grpcstatus.Errorf(codes.Unavailable, "%s: %v", op, err)
	}
	return grpcstatus.Errorf(codes.Internal, "%s: %v", op, err)
}

func required(field, value string) error {
	if value == "" {
		return grpcstatus.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	return nil
}
