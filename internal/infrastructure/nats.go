package infrastructure

import (
	"time"

	"github.com/nats-io/nats.go"

	"deskmeter/internal/logging"
)

func connectNats(url string, log logging.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("deskmeter"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithFields(logging.Fields{"error": err}).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithFields(logging.Fields{"url": nc.ConnectedUrl()}).Info("nats reconnected")
		}),
	)
}
