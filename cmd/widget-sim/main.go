// ABOUTME: Headless chat widget for exercising a support-gateway from the terminal
// ABOUTME: Runs the same client state machine a storefront widget runs

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/support-gateway/internal/contract"
	"github.com/2389/support-gateway/internal/widget"
)

type options struct {
	gateway      string
	shop         string
	pageURL      string
	email        string
	visitorFile  string
	pollInterval time.Duration
	verbose      bool
}

func defaultVisitorFile() string {
	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "visitor-id"
		}
		stateDir = filepath.Join(homeDir, ".local", "state")
	}
	return filepath.Join(stateDir, "support-widget", "visitor-id")
}

func main() {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:          "widget-sim",
		Short:        "Chat with a support-gateway the way the storefront widget does",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.gateway, "gateway", "g", "http://localhost:8080", "Gateway base URL")
	rootCmd.PersistentFlags().StringVarP(&opts.shop, "shop", "s", "", "Shop domain")
	rootCmd.PersistentFlags().StringVar(&opts.pageURL, "page-url", "", "Storefront page the chat starts on")
	rootCmd.PersistentFlags().StringVar(&opts.email, "email", "", "Customer email to link the conversation to")
	rootCmd.PersistentFlags().StringVar(&opts.visitorFile, "visitor-file", defaultVisitorFile(), "File holding the persistent visitor ID")
	rootCmd.PersistentFlags().DurationVar(&opts.pollInterval, "poll-interval", widget.DefaultPollInterval, "Poll interval while push is unavailable")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log transport activity")
	_ = rootCmd.MarkPersistentFlagRequired("shop")

	rootCmd.AddCommand(newChatCmd(opts), newAskCmd(opts))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newClient(opts *options, out io.Writer) (*widget.Client, error) {
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return widget.New(widget.Config{
		BaseURL:       opts.gateway,
		Shop:          opts.shop,
		PageURL:       opts.pageURL,
		CustomerEmail: opts.email,
		Visitors:      widget.NewFileVisitorStore(opts.visitorFile),
		PollInterval:  opts.pollInterval,
	}, newTerminalRenderer(out), logger)
}

func newAskCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ask MESSAGE...",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer client.Close()

			ctx := cmd.Context()
			if err := client.Open(ctx); err != nil {
				return err
			}
			_, err = client.Send(ctx, strings.Join(args, " "))
			return err
		},
	}
}

func newChatCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat; /human escalates, /end [rating] resolves, /quit exits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer client.Close()

			ctx := cmd.Context()
			if err := client.Open(ctx); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "could not start a conversation yet: %v\n", err)
			}
			return chatLoop(ctx, client, cmd.InOrStdin(), cmd.ErrOrStderr())
		},
	}
}

// chatLoop reads lines until EOF, /quit or cancellation.
func chatLoop(ctx context.Context, client *widget.Client, in io.Reader, errOut io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := runLine(ctx, client, strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintf(errOut, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func runLine(ctx context.Context, client *widget.Client, line string) (bool, error) {
	switch {
	case line == "":
		return false, nil
	case line == "/quit":
		return true, nil
	case strings.HasPrefix(line, "/human"):
		return false, client.Escalate(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/human")))
	case strings.HasPrefix(line, "/end"):
		var req contract.EndRequest
		if raw := strings.TrimSpace(strings.TrimPrefix(line, "/end")); raw != "" {
			rating, err := strconv.Atoi(raw)
			if err != nil {
				return false, fmt.Errorf("rating must be a number: %q", raw)
			}
			req.Rating = &rating
		}
		return false, client.End(ctx, req)
	default:
		_, err := client.Send(ctx, line)
		return false, err
	}
}
