// Package mail delivers outbound email through a transport API or a Kafka relay.
package mail

import (
	"context"
	"errors"
	"fmt"

	"content-hub/internal/config"
	"content-hub/internal/models"
)

// ErrRejected marks a message the transport refused; resending it will not help.
var ErrRejected = errors.New("mail rejected")

// Transport sends one message.
type Transport interface {
	Send(ctx context.Context, msg models.EmailData) error
	Close() error
}

// NewFromConfig selects the transport named by MAIL_TRANSPORT.
func NewFromConfig(cfg config.Config) (Transport, error) {
	switch cfg.MailTransport {
	case "kafka":
		return NewKafkaTransport(cfg.KafkaBrokers, cfg.KafkaMailTopic)
	case "http", "":
		if cfg.MailAPIURL == "" {
			return nil, errors.New("MAIL_API_URL is required for the http mail transport")
		}
		return NewHTTPTransport(cfg.MailAPIURL, cfg.MailAPIKey, nil), nil
	default:
		return nil, fmt.Errorf("unknown mail transport %q", cfg.MailTransport)
	}
}

func validate(msg models.EmailData) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("%w: no recipients", ErrRejected)
	}
	if msg.From == "" {
		return fmt.Errorf("%w: empty sender", ErrRejected)
	}
	return nil
}
