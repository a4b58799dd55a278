package jetstream

import (
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/ssuji15/xsonic/internal/config"
	"github.com/ssuji15/xsonic/internal/service/logger"
)

var (
	nc        *nats.Conn
	once      sync.Once
	initError error
)

// Options builds the connection settings, logging every state change of the link.
func Options(cfg *config.NatsConfig) []nats.Option {
	return []nats.Option{
		nats.Name(cfg.CLIENT_NAME),
		nats.MaxReconnects(cfg.MAX_RECONNECTS),
		nats.ReconnectWait(cfg.RECONNECT_WAIT),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Log.Warn().Err(err).Str("client", cfg.CLIENT_NAME).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Log.Info().Str("client", cfg.CLIENT_NAME).Str("url", c.ConnectedUrlRedacted()).Msg("nats reconnected")
		}),
		nats.ReconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Log.Error().Err(err).Str("client", cfg.CLIENT_NAME).Msg("nats reconnect attempt failed")
		}),
		nats.ClosedHandler(func(c *nats.Conn) {
			logger.Log.Error().Str("client", cfg.CLIENT_NAME).Msg("nats connection closed")
		}),
	}
}

// NewJetStreamClient returns the process-wide connection, dialing it on first use.
func NewJetStreamClient() (*nats.Conn, error) {
	once.Do(func() {
		cfg, err := config.GetNatsConfig()
		if err != nil {
			initError = err
			return
		}
		nc, initError = nats.Connect(cfg.URL, Options(cfg)...)
	})
	return nc, initError
}

func ResetJetStreamClient() {
	nc = nil
	once = sync.Once{}
	initError = nil
}
