// Package ssh implements the ssh transport: commands run through SSH exec
// sessions and files, scripts and tasks are staged over SFTP.
package ssh

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/skein/pkg/inventory"
	"github.com/openfroyo/skein/pkg/result"
	"github.com/openfroyo/skein/pkg/transport"
)

// Transport reaches targets over SSH. Each Connect opens a dedicated
// connection that the returned Conn owns.
type Transport struct {
	logger zerolog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger used for connection and transfer events.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New creates the ssh transport.
func New(opts ...Option) *Transport {
	t := &Transport{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With().Str("transport", inventory.TransportSSH).Logger()
	return t
}

// Name returns the scheme served by this transport.
func (t *Transport) Name() string {
	return inventory.TransportSSH
}

// Connect dials and authenticates against target. Failures are reported as
// connect errors.
func (t *Transport) Connect(ctx context.Context, target *inventory.Target) (transport.Conn, error) {
	cfg := ConfigFromTarget(target)
	logger := t.logger.With().Str("target", target.Name()).Logger()

	c, err := dial(ctx, cfg, logger)
	if err != nil {
		return nil, result.NewError(result.KindConnect,
			fmt.Sprintf("Failed to connect to %s: %v", cfg.Address(), err), err).
			WithIssueCode(result.IssueConnect).
			WithDetail("host", cfg.Host).
			WithDetail("port", cfg.Port).
			WithDetail("user", cfg.User)
	}

	return &conn{
		target: target,
		config: cfg,
		client: c,
		logger: logger,
	}, nil
}

// Connected reports whether target accepts an SSH session.
func (t *Transport) Connected(ctx context.Context, target *inventory.Target) bool {
	c, err := t.Connect(ctx, target)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}
