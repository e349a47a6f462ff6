// Package nats implements the cqrs request/reply contract over NATS. The
// server side registers handlers as endpoints of a NATS microservice; the
// client side sends JSON requests with automatic retry on concurrency
// conflicts.
package nats

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/libris/pkg/security/credentials"
)

// authOptions resolves the connection auth option. A credentials provider
// takes precedence over the inline fields.
func authOptions(ctx context.Context, provider credentials.Provider, token, user, pass string) ([]nats.Option, error) {
	if provider != nil {
		creds, err := provider.GetCredentials(ctx)
		if err != nil {
			return nil, fmt.Errorf("get credentials: %w", err)
		}
		if err := creds.Validate(); err != nil {
			return nil, err
		}
		switch creds.Type {
		case credentials.CredentialTypeToken:
			return []nats.Option{nats.Token(creds.Token)}, nil
		case credentials.CredentialTypeUserPassword:
			return []nats.Option{nats.UserInfo(creds.User, creds.Password)}, nil
		default:
			return nil, fmt.Errorf("unsupported credential type %q", creds.Type)
		}
	}
	if token != "" {
		return []nats.Option{nats.Token(token)}, nil
	}
	if user != "" {
		return []nats.Option{nats.UserInfo(user, pass)}, nil
	}
	return nil, nil
}

// lifecycleOptions logs connection state changes.
func lifecycleOptions(logger *slog.Logger, role string) []nats.Option {
	return []nats.Option{
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "role", role, "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "role", role, "url", nc.ConnectedUrl())
		}),
	}
}
