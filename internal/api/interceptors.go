package api

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/driftline/spotwatch/internal/utils"
)

// ErrorDomain tags the ErrorInfo detail attached to mapped errors.
const ErrorDomain = "spotwatch"

// RecoveryUnaryInterceptor turns handler panics into Internal errors.
func RecoveryUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (response any, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				logger.Error("panic recovered",
					slog.String("method", info.FullMethod),
					slog.Any("panic", recovered),
					slog.String("stack", string(debug.Stack())))
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

// LoggingUnaryInterceptor logs every call with its duration and status code.
func LoggingUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		response, err := handler(ctx, req)
		code := status.Code(err)
		level := slog.LevelDebug
		if code == codes.Internal || code == codes.Unknown {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "grpc call",
			slog.String("method", info.FullMethod),
			slog.Duration("duration", time.Since(started)),
			slog.String("code", code.String()))
		return response, err
	}
}

// ErrorUnaryInterceptor maps domain errors onto gRPC status codes.
func ErrorUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		response, err := handler(ctx, req)
		if err == nil {
			return response, nil
		}
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		return nil, mapError(err)
	}
}

// StatusCode is the gRPC code for a domain reason code.
func StatusCode(code utils.Code) codes.Code {
	switch code {
	case utils.CodeValidation, utils.CodeInvalidInput:
		return codes.InvalidArgument
	case utils.CodeFeatureSchemaMismatch, utils.CodeFailedPrecondition:
		return codes.FailedPrecondition
	case utils.CodeDeliveryTimeout:
		return codes.DeadlineExceeded
	case utils.CodeAgentStale, utils.CodeAgentOffline:
		return codes.Unavailable
	case utils.CodeInterpolationHorizonExceeded:
		return codes.OutOfRange
	case utils.CodeNotFound:
		return codes.NotFound
	case utils.CodeConflict:
		return codes.AlreadyExists
	case utils.CodeResourceExhausted:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

func mapError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}

	var appErr *utils.AppError
	if !errors.As(err, &appErr) {
		return status.Error(codes.Internal, "internal server error")
	}
	code := StatusCode(appErr.Code)
	msg := err.Error()
	if code == codes.Internal {
		msg = "internal server error"
	}
	st := status.New(code, msg)
	detailed, detailErr := st.WithDetails(&errdetails.ErrorInfo{Reason: string(appErr.Code), Domain: ErrorDomain})
	if detailErr != nil {
		return st.Err()
	}
	return detailed.Err()
}

// ReasonOf extracts the domain reason code from a status error returned by the API.
func ReasonOf(err error) utils.Code {
	st, ok := status.FromError(err)
	if !ok {
		return ""
	}
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok && info.GetDomain() == ErrorDomain {
			return utils.Code(info.GetReason())
		}
	}
	return ""
}
