package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"marginalia/internal/app"
)

// NewModCommand groups the moderation queue commands.
func NewModCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mod",
		Short: "Review held annotations",
	}
	cmd.AddCommand(newModPendingCommand(rootOpts))
	cmd.AddCommand(newModSetCommand(rootOpts))
	return cmd
}

func newModPendingCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List annotations waiting for review, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeStore, err := openStore(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer closeStore()
			svc, closeSvc := newService(rootOpts, s)
			defer closeSvc()

			pending, err := svc.Pending(cmd.Context(), limit)
			if err != nil {
				return domainFailure(err)
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, pending, func(w io.Writer) error {
				if len(pending) == 0 {
					_, err := fmt.Fprintln(w, "no pending annotations")
					return err
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tPOST\tKIND\tCREATED\tQUOTE\tSIGNALS")
				for _, p := range pending {
					fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n",
						p.ID, p.PostID, p.Kind, p.CreatedAt.Format("2006-01-02 15:04:05"), clip(p.Quote, 40), p.Signals)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 200, "maximum rows to list")
	return cmd
}

func newModSetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <id> <published|rejected>",
		Short: "Publish or reject a held annotation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid id %q", args[0]))
			}
			s, closeStore, err := openStore(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer closeStore()
			svc, closeSvc := newService(rootOpts, s)
			defer closeSvc()

			state := strings.ToLower(strings.TrimSpace(args[1]))
			if err := svc.SetState(cmd.Context(), id, state); err != nil {
				return domainFailure(err)
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, map[string]any{"ok": true, "id": id, "state": state}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "annotation %d is %s\n", id, state)
				return err
			})
		},
	}
}

// NewPostsCommand groups document commands.
func NewPostsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "posts",
		Short: "Manage annotated documents",
	}
	cmd.AddCommand(newPostsUpsertCommand(rootOpts))
	return cmd
}

func newPostsUpsertCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		slug     string
		htmlPath string
		textPath string
		revision int
	)
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Create or replace a post by slug",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			html, err := os.ReadFile(htmlPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "read --html", err)
			}
			text, err := os.ReadFile(textPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "read --text", err)
			}
			in := app.PostInput{Slug: slug, HTML: string(html), PlainText: string(text)}
			if revision > 0 {
				in.Revision = &revision
			}

			s, closeStore, err := openStore(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer closeStore()
			svc, closeSvc := newService(rootOpts, s)
			defer closeSvc()

			res, err := svc.UpsertPost(cmd.Context(), in)
			if err != nil {
				return domainFailure(err)
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, res, func(w io.Writer) error {
				verb := "updated"
				if res.Created {
					verb = "created"
				}
				_, err := fmt.Fprintf(w, "post %s %s (id %d)\n", slug, verb, res.ID)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&slug, "slug", "", "post slug")
	cmd.Flags().StringVar(&htmlPath, "html", "", "file with the rendered HTML")
	cmd.Flags().StringVar(&textPath, "text", "", "file with the plain text")
	cmd.Flags().IntVar(&revision, "revision", 0, "explicit revision (default increments)")
	_ = cmd.MarkFlagRequired("slug")
	_ = cmd.MarkFlagRequired("html")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
