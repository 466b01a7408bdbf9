// Command token mints staff bearer tokens signed with the server's JWT
// secret. Owners log in with an owner token; agents use their phone number
// as subject.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/meal-dispatch/internal/adapter/handler"
	"github.com/rl1809/meal-dispatch/internal/config"
	"github.com/rl1809/meal-dispatch/internal/core/domain"
	"github.com/rl1809/meal-dispatch/internal/core/service"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML config file")
	role := flag.String("role", string(service.RoleOwner), "owner or agent")
	sub := flag.String("sub", "", "agent phone number, required for agent tokens")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	token, err := mint(cfg.Auth, service.Role(*role), *sub, *ttl)
	if err != nil {
		logger.Fatal("failed to mint token", zap.Error(err))
	}
	fmt.Println(token)
}

// mint issues a token and parses it back with the same secret, so a token
// the server would reject is never printed.
func mint(cfg config.Auth, role service.Role, sub string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", domain.Invalid("ttl", "must be positive")
	}
	actor := service.Actor{Role: role}
	switch role {
	case service.RoleOwner:
	case service.RoleAgent:
		actor.ID = domain.NormalizePhone(sub)
		if actor.ID == "" {
			return "", domain.Invalid("sub", "agent tokens need the agent phone number")
		}
	default:
		return "", domain.Invalid("role", "unknown role %q", role)
	}

	auth := handler.NewAuthenticator(cfg.JWTSecret)
	token, err := auth.Issue(actor, ttl)
	if err != nil {
		return "", err
	}
	if _, err := auth.Parse(token); err != nil {
		return "", fmt.Errorf("minted token does not verify: %w", err)
	}
	return token, nil
}
