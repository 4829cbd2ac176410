package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nghyane/samba-mux/internal/bootstrap"
	"github.com/nghyane/samba-mux/internal/credential"
	"github.com/nghyane/samba-mux/internal/logging"
	log "github.com/nghyane/samba-mux/internal/logging"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Verify the upstream account by performing one login",
	Long: `Run the SambaNova login flow once and report the credential lifetime.
Useful for validating account configuration without starting the server.`,
	Run: func(c *cobra.Command, args []string) {
		logging.SetupBaseLogger()

		configPath := cfgFile
		if configPath == "" {
			configPath = defaultConfigPath()
		}
		result, err := bootstrap.Bootstrap(configPath)
		if err != nil {
			log.Fatalf("failed to load configuration: %v", err)
		}
		cfg := result.Config

		if !cfg.Samba.CredentialsConfigured() {
			log.Fatalf("no upstream account configured (set SAMBA_EMAIL and SAMBA_PASSWORD)")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		acquirer := credential.NewSambaAcquirer(cfg.Samba)
		cred, err := acquirer.Acquire(ctx)
		if err != nil {
			log.Fatalf("login failed: %v", err)
		}

		fmt.Printf("login successful for %s\n", cfg.Samba.Email)
		fmt.Printf("credential valid until %s (%s)\n",
			cred.ExpiresAt.Local().Format(time.RFC1123),
			time.Until(cred.ExpiresAt).Round(time.Minute))
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
}
