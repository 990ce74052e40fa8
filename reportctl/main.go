// Command reportctl files civic problem reports from a terminal, running
// the same photo, category and location workflow as the web forms.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"civicportal/client"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	backendURL string
	tokenFile  string
	verbose    bool
	timeout    time.Duration
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "reportctl",
	Short: "File civic problem reports from the command line",
	Long: `reportctl talks to the civic portal backend.

It analyzes a photo for likely problem categories, works out a location and
submits the report. A session token saved with 'reportctl token set' is sent
with every request; the backend rejecting it clears it.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.SetHandler(cli.New(cmd.ErrOrStderr()))
		if verbose {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.WarnLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", envOr("BACKEND_URL", "http://localhost:5000"), "Backend base URL (or set BACKEND_URL)")
	rootCmd.PersistentFlags().StringVar(&tokenFile, "token-file", "", "Session file (default: user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Operation timeout")

	tokenCmd.AddCommand(tokenSetCmd)
	tokenCmd.AddCommand(tokenShowCmd)
	tokenCmd.AddCommand(tokenClearCmd)

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(submitCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func tokenStore() (*client.FileTokenStore, error) {
	path := tokenFile
	if path == "" {
		var err error
		if path, err = client.DefaultTokenPath(); err != nil {
			return nil, fmt.Errorf("locate session file: %w", err)
		}
	}
	return client.NewFileTokenStore(path), nil
}

func newBackend() (*client.Client, error) {
	tokens, err := tokenStore()
	if err != nil {
		return nil, err
	}
	return client.New(backendURL, tokens), nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, timeout)
}
