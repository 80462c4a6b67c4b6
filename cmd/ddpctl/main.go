package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/ddpctl/internal/auth"
	"github.com/danmuck/ddpctl/internal/observability"
	"github.com/danmuck/ddpctl/internal/protocol/session"
	"github.com/danmuck/ddpctl/internal/repl"
	"github.com/danmuck/ddpctl/internal/server"
	"github.com/spf13/cobra"
)

const passwordEnv = "DDPCTL_PASSWORD"

var errCredentialsRequired = errors.New("username and password required")

type options struct {
	configPath string
	url        string
	admin      string
	password   string
}

func main() {
	rootCmd := newRootCmd()
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ddpctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "ddpctl [username] [password]",
		Short: "Interactive DDP client",
		Long: `ddpctl connects to a DDP server over websocket, logs in with a SHA-256
password digest and reads comma separated commands from stdin.`,
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, login, err := resolve(opts, args)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, login, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to a toml config file")
	cmd.Flags().StringVar(&opts.url, "url", "", "server websocket url (http and https are mapped to ws and wss)")
	cmd.Flags().StringVar(&opts.admin, "admin", "", "admin status listen address, empty to disable")
	cmd.Flags().StringVar(&opts.password, "password", "", "password, defaults to $"+passwordEnv)
	return cmd
}

// resolve merges defaults, the config file, flags and positional arguments, in
// that order.
func resolve(opts options, args []string) (appConfig, auth.Login, error) {
	cfg := defaultAppConfig()
	if opts.configPath != "" {
		loaded, err := loadAppConfig(opts.configPath)
		if err != nil {
			return appConfig{}, auth.Login{}, err
		}
		cfg = loaded
	}
	if v := strings.TrimSpace(opts.url); v != "" {
		cfg.Session.URL = v
	}
	if v := strings.TrimSpace(opts.admin); v != "" {
		cfg.AdminListen = v
	}
	if err := cfg.Session.Validate(); err != nil {
		return appConfig{}, auth.Login{}, err
	}

	username := cfg.Username
	password := opts.password
	if password == "" {
		password = os.Getenv(passwordEnv)
	}
	if len(args) > 0 {
		username = args[0]
	}
	if len(args) > 1 {
		password = args[1]
	}

	login, err := auth.NewLogin(username, password)
	if err != nil {
		return appConfig{}, auth.Login{}, fmt.Errorf("%w: %w", errCredentialsRequired, err)
	}
	return cfg, login, nil
}

func run(ctx context.Context, cfg appConfig, login auth.Login, in io.Reader, out io.Writer) error {
	logger := observability.InitLogger("ddpctl")
	observability.RegisterMetrics()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := session.New(cfg.Session)
	console := repl.New(s, in, out)
	s.OnPush(console.Push)
	console.StopWhen(s.Done())

	if cfg.AdminListen != "" {
		admin := server.Appear("ddpctl", cfg.AdminListen, s)
		go func() {
			if err := admin.Serve(ctx); err != nil {
				logger.Error().Err(err).Str("addr", cfg.AdminListen).Msg("admin server stopped")
			}
		}()
	}

	if err := s.Open(ctx, session.WebSocketDialer(cfg.Session)); err != nil {
		return err
	}
	cred, err := s.Handshake(ctx, login)
	if err != nil {
		return err
	}
	logger.Info().
		Str("user_id", cred.UserID).
		Str("session", s.ID()).
		Msg("ready")

	runErr := console.Run(ctx)
	if errors.Is(runErr, repl.ErrClientGone) {
		runErr = s.Err()
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
