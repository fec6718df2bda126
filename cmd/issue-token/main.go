package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/logger"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/service"
	"golang.org/x/term"
)

// issue-token mints a development JWT signed with JWT_SECRET.
func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, "")

	authService := service.NewAuthService(cfg)

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)
	interactive := term.IsTerminal(int(os.Stdin.Fd()))

	ask := func(prompt string) string {
		if interactive {
			fmt.Fprint(os.Stderr, prompt)
		}
		line, _ := reader.ReadString('\n')
		return strings.TrimSpace(line)
	}

	if interactive {
		fmt.Fprintln(os.Stderr, "=== Issue Development Token ===")
	}

	// Token type
	tokenType := service.TokenTypeCandidate
	switch ask("Token type [candidate/admin] (default candidate): ") {
	case "", "candidate":
	case "admin":
		tokenType = service.TokenTypeAdmin
	default:
		fmt.Fprintln(os.Stderr, "Error: token type must be candidate or admin")
		os.Exit(1)
	}

	// User ID
	userID, err := strconv.Atoi(ask("User ID: "))
	if err != nil || userID <= 0 {
		fmt.Fprintln(os.Stderr, "Error: User ID must be a positive number")
		os.Exit(1)
	}

	// Permissions
	var permissions []string
	if tokenType == service.TokenTypeAdmin {
		raw := ask("Permissions, comma separated (default all): ")
		if raw == "" {
			for _, p := range model.AllPermissions {
				permissions = append(permissions, string(p))
			}
		} else {
			for _, p := range strings.Split(raw, ",") {
				if p = strings.TrimSpace(p); p != "" {
					permissions = append(permissions, p)
				}
			}
		}
	}

	// TTL
	ttl := 8 * time.Hour
	if raw := ask("Valid for (default 8h): "); raw != "" {
		if ttl, err = time.ParseDuration(raw); err != nil || ttl <= 0 {
			fmt.Fprintln(os.Stderr, "Error: invalid duration")
			os.Exit(1)
		}
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	token, err := authService.GenerateToken(tokenType, userID, permissions, ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign token")
	}

	log.Debug().
		Str("token_type", string(tokenType)).
		Int("user_id", userID).
		Strs("permissions", permissions).
		Dur("ttl", ttl).
		Msg("Token issued")

	fmt.Println(token)
}
