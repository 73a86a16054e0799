package server

import (
	"context"
	"time"

	"connectrpc.com/connect"
	"github.com/sirupsen/logrus"
)

// Validator checks a decoded request message.
type Validator func(msg any) error

// ValidationInterceptor rejects requests that fail validate.
func ValidationInterceptor(validate Validator) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if err := validate(req.Any()); err != nil {
				return nil, connect.NewError(connect.CodeInvalidArgument, err)
			}
			return next(ctx, req)
		}
	}
}

// LoggingInterceptor logs each call with its procedure, duration and code.
func LoggingInterceptor(log logrus.FieldLogger) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			entry := log.WithFields(logrus.Fields{
				"procedure": req.Spec().Procedure,
				"duration":  time.Since(start),
			})
			if err != nil {
				code := connect.CodeOf(err)
				entry = entry.WithField("code", code.String())
				if code == connect.CodeInternal || code == connect.CodeUnknown {
					entry.WithError(err).Error("call failed")
				} else {
					entry.WithError(err).Info("call rejected")
				}
				return resp, err
			}
			entry.Debug("call served")
			return resp, nil
		}
	}
}
