package email

import (
	"fmt"
	"strings"

	"github.com/angelmondragon/newsletter-backend/pkg/config"
	"github.com/angelmondragon/newsletter-backend/pkg/logger"
)

// NewFromConfig builds the configured provider transport. Real providers are
// wrapped in a circuit breaker.
func NewFromConfig(cfg config.EmailConfig, logg *logger.Logger) (Transport, error) {
	var (
		transport Transport
		err       error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case config.EmailProviderNoop:
		return NewNoopTransport(logg), nil
	case config.EmailProviderResend:
		transport, err = NewResendTransport(cfg.APIKey, cfg.Sender)
	case config.EmailProviderPostmark:
		transport, err = NewHTTPTransport(cfg.BaseURL, cfg.APIKey, cfg.Sender, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unsupported email provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewBreakerTransport(transport, BreakerSettings{Name: "email-" + cfg.Provider}), nil
}
