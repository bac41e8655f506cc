package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"marginalia/internal/app"
	"marginalia/internal/search"
	"marginalia/internal/store"
)

// openStore connects to the configured database and brings its schema up to
// date. The returned func closes the connection.
func openStore(ctx context.Context, opts *RootOptions) (*store.SQLStore, func(), error) {
	dialect, err := store.ParseDialect(opts.Driver)
	if err != nil {
		return nil, nil, NewExitError(ExitCommandError, err.Error())
	}
	db, err := store.Open(ctx, dialect, opts.DatabaseURL)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "database connection failed", err)
	}
	if err := store.ApplyMigrations(ctx, db, dialect, opts.MigrationsDir); err != nil {
		_ = db.Close()
		return nil, nil, WrapExitError(ExitCommandError, "migrations failed", err)
	}
	return store.NewSQLStore(db, dialect), func() { _ = db.Close() }, nil
}

// searchService returns a search service over s, backed by Meilisearch when a
// URL is configured.
func searchService(opts *RootOptions, s *store.SQLStore) (*search.Service, func()) {
	var meili *search.Meili
	if strings.TrimSpace(opts.MeiliURL) != "" {
		meili = search.NewMeili(opts.MeiliURL, opts.MeiliKey)
	}
	svc := search.NewService(meili, search.NewSQL(s))
	return svc, func() {
		if meili != nil {
			meili.Close()
		}
	}
}

// newService builds the pipeline service for moderator-side commands. Write
// guards are not needed here.
func newService(opts *RootOptions, s *store.SQLStore) (*app.Service, func()) {
	idx, closeIdx := searchService(opts, s)
	return app.New(app.Deps{Store: s, Index: idx, Searcher: idx}), closeIdx
}

// domainFailure turns a service error into an ExitError.
func domainFailure(err error) error {
	var derr *app.DomainError
	if errors.As(err, &derr) {
		if derr.Code == app.CodeInternal {
			return WrapExitError(ExitCommandError, derr.Message, err)
		}
		return NewExitError(ExitFailure, derr.Error())
	}
	return WrapExitError(ExitCommandError, "command failed", err)
}

// NewMigrateCommand applies (or with --down rolls back) the schema migrations.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dialect, err := store.ParseDialect(rootOpts.Driver)
			if err != nil {
				return NewExitError(ExitCommandError, err.Error())
			}
			db, err := store.Open(ctx, dialect, rootOpts.DatabaseURL)
			if err != nil {
				return WrapExitError(ExitCommandError, "database connection failed", err)
			}
			defer db.Close()

			action := "applied"
			if down {
				action = "rolled back"
				err = store.RollbackMigrations(ctx, db, dialect, rootOpts.MigrationsDir)
			} else {
				err = store.ApplyMigrations(ctx, db, dialect, rootOpts.MigrationsDir)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "migration failed", err)
			}
			payload := map[string]any{"ok": true, "driver": string(dialect), "action": action}
			return emit(cmd.OutOrStdout(), rootOpts.Format, payload, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "migrations %s (%s)\n", action, dialect)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back every migration instead")
	return cmd
}

// NewReindexCommand pushes every published annotation to Meilisearch.
func NewReindexCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index from the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(rootOpts.MeiliURL) == "" {
				return NewExitError(ExitCommandError, "--meili-url (or MEILI_URL) is required")
			}
			s, closeStore, err := openStore(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer closeStore()
			svc, closeSearch := searchService(rootOpts, s)
			defer closeSearch()

			n, err := svc.ReindexAll(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "reindex failed", err)
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, map[string]any{"indexed": n}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "indexed %d annotations\n", n)
				return err
			})
		},
	}
}
