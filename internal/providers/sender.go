package providers

import (
	"context"
	"strings"

	"github.com/stepgate/backend/pkg/logger"
)

// Sender delivers an OTP code to a destination. Actual transport is an
// external collaborator; this service only hands the code over.
type Sender interface {
	Send(ctx context.Context, destination, code string) error
}

// LogSender writes the delivery to the structured log instead of a
// real transport. Useful for development and tests.
type LogSender struct {
	Channel string
}

func (s *LogSender) Send(_ context.Context, destination, code string) error {
	logger.Info("otp_delivery", map[string]interface{}{
		"channel":     s.Channel,
		"destination": maskDestination(destination),
		"code_length": len(code),
	})
	return nil
}

func maskDestination(destination string) string {
	if at := strings.IndexByte(destination, '@'); at > 0 {
		visible := 1
		if at > 2 {
			visible = 2
		}
		return destination[:visible] + strings.Repeat("*", at-visible) + destination[at:]
	}
	if len(destination) > 4 {
		return strings.Repeat("*", len(destination)-4) + destination[len(destination)-4:]
	}
	return strings.Repeat("*", len(destination))
}
