package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	acp "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/3coins/acp-agentcore-poc/client"
	"github.com/3coins/acp-agentcore-poc/config"
	"github.com/3coins/acp-agentcore-poc/errors"
	"github.com/3coins/acp-agentcore-poc/server"
)

type options struct {
	url            string
	cwd            string
	sessionID      string
	runtimeSession string
	mode           string
	workspace      string
	prompts        []string
	verbose        bool
}

func main() {
	var opts options
	rootCmd := &cobra.Command{
		Use:          "acpclient",
		Short:        "Send prompts to an ACP agent over WebSocket",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(opts.prompts) == 0 && opts.sessionID == "" {
				return errors.New("--prompt is required unless --session is given")
			}
			return run(cmd.Context(), opts)
		},
	}
	f := rootCmd.Flags()
	f.StringVar(&opts.url, "url", "ws://localhost:8080/ws", "WebSocket endpoint of the agent")
	f.StringVar(&opts.cwd, "cwd", config.DefaultWorkspaceDir, "Working directory to request for the session")
	f.StringVar(&opts.sessionID, "session", "", "Load this ACP session instead of creating one")
	f.StringVar(&opts.runtimeSession, "runtime-session", "", "Runtime session id header (generated when empty)")
	f.StringVar(&opts.mode, "mode", "", "Agent mode for this connection (ask_before_edits or auto)")
	f.StringVar(&opts.workspace, "workspace", "", "Workspace directory for this connection")
	f.StringArrayVarP(&opts.prompts, "prompt", "p", nil, "Prompt to send; repeat for several turns")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Log protocol traffic")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	target, err := endpoint(opts)
	if err != nil {
		return err
	}
	header := http.Header{}
	rs := opts.runtimeSession
	if rs == "" {
		rs = uuid.NewString()
	}
	header.Set(server.SessionHeader, rs)

	c := client.New(os.Stdout, logger)
	conn, err := client.Dial(ctx, target, header, c)
	if err != nil {
		return err
	}
	defer conn.Close()

	res, err := conn.Run(ctx, opts.cwd, acp.SessionId(opts.sessionID), opts.prompts)
	if res != nil {
		fmt.Printf("Session: %s\n", res.SessionID)
		for i, r := range res.StopReasons {
			fmt.Printf("Prompt %d stopped: %s\n", i+1, r)
		}
	}
	return err
}

func endpoint(opts options) (string, error) {
	u, err := url.Parse(opts.url)
	if err != nil {
		return "", errors.Wrapf(err, "invalid url %q", opts.url)
	}
	q := u.Query()
	if opts.mode != "" {
		q.Set("mode", opts.mode)
	}
	if opts.workspace != "" {
		q.Set("workspace_dir", opts.workspace)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
