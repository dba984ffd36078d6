package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"researchdesk/internal/app"
	"researchdesk/internal/config"
	"researchdesk/internal/logger"
	"researchdesk/internal/session"
	"researchdesk/internal/util"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var tokenFlag string

var rootCmd = &cobra.Command{
	Use:   "researchdesk",
	Short: "ResearchDesk - annotated bibliography tooling",
	Long: `ResearchDesk analyzes research papers into annotated bibliography entries,
exports them as Word documents and manages the subscription that meters them.

Commands act as the user identified by --token (or RESEARCHDESK_TOKEN).

Examples:
  researchdesk analyze paper.pdf --focus "sleep and memory"
  researchdesk entries list --q memory
  researchdesk entries export --out bibliography.docx
  researchdesk checkout --plan student
  researchdesk reconcile --plan student`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Session token (default: $RESEARCHDESK_TOKEN)")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(entriesCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(checkoutCmd)
	rootCmd.AddCommand(portalCmd)
	rootCmd.AddCommand(plansCmd)
	rootCmd.AddCommand(eventsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

// env bundles what every command needs: the wired app and a signed-in session.
type env struct {
	app     *app.App
	session *session.Session
	logger  zerolog.Logger
}

func (e *env) Close() {
	e.session.Close()
	e.app.Close()
}

// setup loads configuration, wires the app and opens a session for the token holder.
func setup(ctx context.Context) (*env, error) {
	_ = godotenv.Load()
	lg := logger.New(logger.Options{Component: "cli", Console: true, DefaultLevel: zerolog.WarnLevel})

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}

	token := strings.TrimSpace(tokenFlag)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("RESEARCHDESK_TOKEN"))
	}
	if token == "" {
		return nil, errors.New("no session token: pass --token or set RESEARCHDESK_TOKEN")
	}
	claims, err := util.ValidateJWT(token, cfg.JWTSecret)
	if err != nil {
		return nil, err
	}

	a, err := app.New(ctx, cfg, lg)
	if err != nil {
		return nil, err
	}
	sess, err := session.New(ctx, session.Identity{
		UserID:      claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.Name,
	}, token, a.Users)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to sign in: %w", err)
	}
	return &env{app: a, session: sess, logger: lg}, nil
}
