// Package cli implements marginctl, the operator tool for the annotation
// service: migrations, moderation, post upserts and offline anchor tooling.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"marginalia/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Driver        string
	DatabaseURL   string
	MigrationsDir string
	MeiliURL      string
	MeiliKey      string
	Format        string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the marginctl root command. Database flags default
// to the same environment the API server reads.
func NewRootCommand() *cobra.Command {
	cfg := config.Load()
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "marginctl",
		Short: "Operate a marginalia annotation server",
		Long: `marginctl manages the annotation database and moderation queue, and
runs the sanitizer and anchor tooling offline against local files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.Driver, "driver", cfg.DatabaseDriver, "database driver (postgres|sqlite)")
	flags.StringVar(&opts.DatabaseURL, "db", cfg.DatabaseURL, "database URL")
	flags.StringVar(&opts.MigrationsDir, "migrations", cfg.MigrationsDir, "migrations root directory")
	flags.StringVar(&opts.MeiliURL, "meili-url", cfg.MeiliURL, "Meilisearch URL")
	flags.StringVar(&opts.MeiliKey, "meili-key", cfg.MeiliMasterKey, "Meilisearch master key")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewSanitizeCommand(opts))
	cmd.AddCommand(NewAnchorCommand(opts))
	cmd.AddCommand(NewLocateCommand(opts))
	cmd.AddCommand(NewModCommand(opts))
	cmd.AddCommand(NewPostsCommand(opts))
	cmd.AddCommand(NewHashTokenCommand(opts))
	cmd.AddCommand(NewReindexCommand(opts))

	return cmd
}
