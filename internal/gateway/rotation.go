package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/agentrelay/internal/auth"
	"github.com/nextlevelbuilder/agentrelay/internal/bus"
	"github.com/nextlevelbuilder/agentrelay/internal/config"
	"github.com/nextlevelbuilder/agentrelay/pkg/protocol"
)

// Rotation sources.
const (
	RotationAPI  = "api"
	RotationFile = "file"
)

// RotateSecret replaces the shared secret with a fresh random one. The new
// value is persisted first; if that fails nothing changes. On success all
// pairing codes are dropped, every socket is closed and a running bridge is
// restarted with the new secret.
func (s *Server) RotateSecret(ctx context.Context) (string, error) {
	secret, err := auth.GenerateSecret()
	if err != nil {
		return "", err
	}

	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	old := s.cfg.Token()
	s.cfg.SetToken(secret)
	if s.configPath != "" {
		if err := config.Save(s.configPath, s.cfg); err != nil {
			s.cfg.SetToken(old)
			return "", fmt.Errorf("persist secret: %w", err)
		}
	}
	s.applySecretLocked(ctx, secret, RotationAPI)
	return secret, nil
}

// ApplySecret installs a secret that was changed outside the process (an
// edited config file). Same effects as RotateSecret, minus persistence.
// Returns false when secret is empty or unchanged.
func (s *Server) ApplySecret(ctx context.Context, secret, source string) bool {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	if secret == "" || secret == s.guard.Secret() {
		return false
	}
	s.cfg.SetToken(secret)
	s.applySecretLocked(ctx, secret, source)
	return true
}

func (s *Server) applySecretLocked(ctx context.Context, secret, source string) {
	s.guard.SetSecret(secret)
	if s.pairing != nil {
		s.pairing.Clear()
	}
	closed := s.registry.CloseAll(CloseSecretRotated, "secret rotated")
	slog.Info("security.secret_rotated", "source", source, "closed_sockets", closed)

	if s.eventPub != nil {
		s.eventPub.Broadcast(bus.Event{Name: protocol.EventSecretRotate, Payload: bus.SecretRotatedPayload{Source: source}})
	}
	if s.bridge != nil {
		restarted, err := s.bridge.Restart(ctx)
		if err != nil {
			slog.Warn("bridge.restart_failed", "error", err)
		} else if restarted {
			slog.Info("bridge.restarted", "reason", "secret rotated")
		}
	}
}
