package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"marginalia/internal/anchor"
	"marginalia/internal/sanitize"
)

// readInput reads a file path, or stdin for "-" or no path.
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

// NewSanitizeCommand runs an annotation body through the HTML allow-list.
func NewSanitizeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sanitize [file|-]",
		Short: "Print the sanitized form of an annotation body",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			raw, err := readInput(cmd, path)
			if err != nil {
				return WrapExitError(ExitCommandError, "read input", err)
			}
			clean := sanitize.HTML(string(raw))
			return emit(cmd.OutOrStdout(), rootOpts.Format, map[string]string{"html": clean}, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, clean)
				return err
			})
		},
	}
}

func loadDocument(path string) (*anchor.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open --html", err)
	}
	defer f.Close()
	doc, err := anchor.ParseDocument(f)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "parse --html", err)
	}
	return doc, nil
}

// NewAnchorCommand builds a selector envelope for a codepoint range of a
// rendered document.
func NewAnchorCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		htmlPath string
		source   string
		start    int
		end      int
	)
	cmd := &cobra.Command{
		Use:   "anchor",
		Short: "Serialize a text range of an HTML document into selectors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadDocument(htmlPath)
			if err != nil {
				return err
			}
			env, ok := doc.SerializeRange(source, start, end)
			if !ok {
				return NewExitError(ExitFailure, fmt.Sprintf("range %d..%d does not select any text (document has %d codepoints)", start, end, doc.Len()))
			}
			return emit(cmd.OutOrStdout(), "json", env, nil)
		},
	}
	cmd.Flags().StringVar(&htmlPath, "html", "", "rendered document HTML")
	cmd.Flags().StringVar(&source, "source", "", "document source path recorded in the envelope")
	cmd.Flags().IntVar(&start, "start", 0, "start codepoint offset")
	cmd.Flags().IntVar(&end, "end", 0, "end codepoint offset (exclusive)")
	_ = cmd.MarkFlagRequired("html")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

// NewLocateCommand resolves a selector envelope back to a range of a
// rendered document.
func NewLocateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		htmlPath     string
		envelopePath string
	)
	cmd := &cobra.Command{
		Use:   "locate",
		Short: "Find where a selector envelope lands in an HTML document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadDocument(htmlPath)
			if err != nil {
				return err
			}
			raw, err := readInput(cmd, envelopePath)
			if err != nil {
				return WrapExitError(ExitCommandError, "read --envelope", err)
			}
			env, err := anchor.Parse(raw)
			if err != nil {
				return WrapExitError(ExitCommandError, "parse --envelope", err)
			}
			start, end, ok := doc.Locate(env)
			if !ok {
				return NewExitError(ExitFailure, "selectors do not match the document")
			}
			text := string([]rune(doc.Text())[start:end])
			payload := map[string]any{"start": start, "end": end, "text": text}
			return emit(cmd.OutOrStdout(), rootOpts.Format, payload, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%d..%d %q\n", start, end, text)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&htmlPath, "html", "", "rendered document HTML")
	cmd.Flags().StringVar(&envelopePath, "envelope", "-", "envelope JSON file (- for stdin)")
	_ = cmd.MarkFlagRequired("html")
	return cmd
}

// NewHashTokenCommand prints the bcrypt hash to put in MODERATOR_TOKEN_HASH.
func NewHashTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Hash a moderator bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(args[0])
			if token == "" {
				return NewExitError(ExitCommandError, "token must not be blank")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
			if err != nil {
				return WrapExitError(ExitCommandError, "hash token", err)
			}
			return emit(cmd.OutOrStdout(), rootOpts.Format, map[string]string{"hash": string(hash)}, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, string(hash))
				return err
			})
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}
