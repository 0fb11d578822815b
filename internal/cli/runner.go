package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/g960059/chanpool/internal/appclient"
	"github.com/g960059/chanpool/internal/config"
	"github.com/g960059/chanpool/internal/logging"
	"github.com/g960059/chanpool/internal/output"
	"github.com/g960059/chanpool/internal/reorder"
	"github.com/g960059/chanpool/internal/security"
	"github.com/g960059/chanpool/internal/tui"
)

// Runner executes one chanpool command line against the daemon.
type Runner struct {
	client *appclient.Client
	out    io.Writer
	errOut io.Writer

	configPath string
	socketPath string
	serverURL  string
	outputFmt  string
	logLevel   string

	cfg       config.Config
	formatter output.Formatter
}

func NewRunner(out, errOut io.Writer) *Runner {
	return NewRunnerWithClient(nil, out, errOut)
}

// NewRunnerWithClient pins the daemon client; --socket and --server are then
// ignored.
func NewRunnerWithClient(client *appclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{client: client, out: out, errOut: errOut}
}

// Run returns the process exit code: 0 on success, 2 for usage errors, 1
// otherwise.
func (r *Runner) Run(ctx context.Context, args []string) int {
	root := r.rootCommand()
	root.SetArgs(args)
	root.SetOut(r.out)
	root.SetErr(r.errOut)
	if err := root.ExecuteContext(ctx); err != nil {
		return r.handleErr(err)
	}
	return 0
}

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return usageError{err: fmt.Errorf(format, args...)}
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	var ue usageError
	if errors.As(err, &ue) || isCobraUsageErr(err) {
		return 2
	}
	return 1
}

func isCobraUsageErr(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command") ||
		strings.HasPrefix(msg, "unknown flag") ||
		strings.HasPrefix(msg, "unknown shorthand flag") ||
		strings.Contains(msg, "arg(s)") ||
		strings.Contains(msg, "flag needs an argument") ||
		strings.Contains(msg, "invalid argument")
}

func (r *Runner) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "chanpool",
		Short:         "Manage provider channels and their routing order",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return r.setup()
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&r.configPath, "config", "", "config file (default is $XDG_CONFIG_HOME/chanpool/config.yaml)")
	pf.StringVar(&r.socketPath, "socket", "", "daemon unix socket path")
	pf.StringVar(&r.serverURL, "server", "", "daemon base URL, overrides --socket")
	pf.StringVarP(&r.outputFmt, "output", "o", "", "output format: table, json, yaml")
	pf.StringVar(&r.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(r.channelCommand(), r.orderCommand(), r.tuiCommand(), r.doctorCommand())
	return root
}

func (r *Runner) setup() error {
	path := r.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if r.socketPath != "" {
		cfg.SocketPath = r.socketPath
	}
	if r.serverURL != "" {
		cfg.ServerURL = r.serverURL
	}
	if r.outputFmt != "" {
		cfg.OutputFormat = r.outputFmt
	}
	if r.logLevel != "" {
		cfg.LogLevel = r.logLevel
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat, r.errOut); err != nil {
		return usageError{err: err}
	}
	r.cfg = cfg
	r.formatter = output.NewFormatter(cfg.OutputFormat)
	if r.client == nil {
		if cfg.ServerURL != "" {
			r.client = appclient.NewWithClient(cfg.ServerURL, &http.Client{})
		} else {
			r.client = appclient.New(cfg.SocketPath)
		}
	}
	r.client = r.client.WithUnaryTimeout(cfg.FetchTimeout)
	return nil
}

func (r *Runner) print(data any) {
	_, _ = fmt.Fprint(r.out, r.formatter.Format(data))
}

// controller builds a reorder controller that prints its notices to stderr.
func (r *Runner) controller() *reorder.Controller {
	notify := reorder.NotifierFunc(func(n reorder.Notice) {
		msg := n.Message
		if n.Err != nil {
			msg += ": " + security.RedactText(n.Err.Error())
		}
		_, _ = fmt.Fprintf(r.errOut, "warning: %s\n", msg)
	})
	return reorder.New(
		r.client.WithUnaryTimeout(r.cfg.PersistTimeout),
		reorder.WithNotifier(notify),
		reorder.WithPersistTimeout(r.cfg.PersistTimeout),
		reorder.WithFetchTimeout(r.cfg.FetchTimeout),
		reorder.WithLogger(logging.New("cli")),
	)
}

func (r *Runner) tuiCommand() *cobra.Command {
	var protocol string
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Interactive board for reordering channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := parseProtocolArg(protocol, true)
			if err != nil {
				return err
			}
			// The board owns the terminal; notices are shown inline instead.
			if err := logging.Setup(r.cfg.LogLevel, r.cfg.LogFormat, io.Discard); err != nil {
				return err
			}
			notices := &reorder.NoticeLog{}
			ctrl := reorder.New(
				r.client.WithUnaryTimeout(r.cfg.PersistTimeout),
				reorder.WithNotifier(notices),
				reorder.WithPersistTimeout(r.cfg.PersistTimeout),
				reorder.WithFetchTimeout(r.cfg.FetchTimeout),
			)
			return tui.Run(cmd.Context(), ctrl, notices, tui.Options{
				Protocol:        p,
				RefreshInterval: r.cfg.RefreshInterval,
			})
		},
	}
	cmd.Flags().StringVar(&protocol, "protocol", "", "protocol tab to open first")
	return cmd
}
