// Command tokenledger runs the wallet service and its operational tools.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inkfable/tokenledger/internal/app"
	"github.com/inkfable/tokenledger/internal/security"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tokenledger",
	Short: "Token wallet and authorization service",
	Long: `tokenledger keeps per-user token balances in an append-only ledger,
meters feature usage through hold/capture authorizations, and decays
promotional credits on schedule.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with background jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return app.RunServer(ctx, configPath)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.Migrate(cmd.Context(), configPath)
	},
}

var sweepHoldsCmd = &cobra.Command{
	Use:   "sweep-holds",
	Short: "Expire stale authorization holds once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.SweepHolds(cmd.Context(), configPath)
	},
}

var sweepPromoCmd = &cobra.Command{
	Use:   "sweep-promo",
	Short: "Settle due promo expiry schedules once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.SweepPromo(cmd.Context(), configPath)
	},
}

var previewPromoCmd = &cobra.Command{
	Use:   "preview-promo",
	Short: "Report what a promo sweep would expire, without settling",
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.PreviewPromo(cmd.Context(), configPath)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token USER_ID",
	Short: "Mint a development JWT for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var userID uint64
		if _, errScan := fmt.Sscanf(args[0], "%d", &userID); errScan != nil || userID == 0 {
			return fmt.Errorf("invalid user id %q", args[0])
		}
		secret := os.Getenv("TOKENLEDGER_JWT_SECRET")
		if secret == "" {
			return fmt.Errorf("TOKENLEDGER_JWT_SECRET is not set")
		}
		role, _ := cmd.Flags().GetString("role")
		expiry, _ := cmd.Flags().GetDuration("expiry")
		token, errSign := security.GenerateToken(secret, userID, role, expiry)
		if errSign != nil {
			return errSign
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	tokenCmd.Flags().String("role", security.RoleUser, "Role claim: user, service, or admin")
	tokenCmd.Flags().Duration("expiry", 24*time.Hour, "Token lifetime")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepHoldsCmd)
	rootCmd.AddCommand(sweepPromoCmd)
	rootCmd.AddCommand(previewPromoCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
