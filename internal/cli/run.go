package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/metrics"
	"github.com/roach88/lockstep/internal/participant"
	"github.com/roach88/lockstep/internal/store"
	"github.com/roach88/lockstep/internal/transport"
)

// DefaultSession is the NATS session used when none is configured.
const DefaultSession = "default"

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Watch    bool   // reload the participant file on change
	Redis    string // shared configuration store address
	RedisKey string
	NATS     string // overrides transport.nats_url
	Session  string // overrides transport.session
	Listen   string // overrides introspect.listen
	Database string // overrides store.path
	Manual   bool   // no auto start; drive the participant with control events
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <participant-file>",
		Short: "Run one participant",
		Long: `Run a participant described by a YAML or CUE participant file.

Without a NATS URL the participant runs alone on an in-process bus. With one,
it joins the session subject and talks to the other participants of the
session. A shared Redis store fills in keys the file leaves unset.

By default the participant walks to Running on its own. With --manual it stays
Idle until control events arrive.

Example:
  lockstep run ./sim.yaml
  lockstep run ./master.yaml --nats nats://localhost:4222 --session lab1
  lockstep run ./sim.yaml --watch --listen :8080 --db ./sim.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParticipant(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "reload the participant file when it changes")
	cmd.Flags().StringVar(&opts.Redis, "redis", "", "address of a shared configuration store")
	cmd.Flags().StringVar(&opts.RedisKey, "redis-key", "", "hash key in the configuration store")
	cmd.Flags().StringVar(&opts.NATS, "nats", "", "NATS URL (overrides "+config.KeyTransportNATSURL+")")
	cmd.Flags().StringVar(&opts.Session, "session", "", "session name (overrides "+config.KeyTransportSession+")")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "introspection address (overrides "+config.KeyIntrospectListen+")")
	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite run record (overrides "+config.KeyStorePath+")")
	cmd.Flags().BoolVar(&opts.Manual, "manual", false, "do not start automatically")

	return cmd
}

func runParticipant(opts *RunOptions, path string, cmd *cobra.Command) error {
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	values, err := config.LoadFile(path)
	if err != nil {
		return WrapExitError(exitCodeFor(err), "failed to load participant file", err)
	}
	tree := config.NewTree(values)

	if opts.Redis != "" {
		rs, err := config.NewRedisStore(ctx, config.RedisConfig{Addr: opts.Redis, Key: opts.RedisKey})
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to reach configuration store", err)
		}
		defer rs.Close()
		n, err := rs.LoadInto(ctx, tree, false)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read configuration store", err)
		}
		if err := rs.Publish(ctx, jobDeclarations(values)); err != nil {
			return WrapExitError(ExitCommandError, "failed to publish configuration", err)
		}
		logger.Info("shared configuration applied", "addr", opts.Redis, "keys", n)
	}

	name := config.String(tree, config.KeyParticipantName, "")
	if name == "" {
		return NewExitError(ExitFailure, fmt.Sprintf("%s is not set in %s", config.KeyParticipantName, path))
	}

	t, closeTransport, err := dialTransport(opts, tree, name, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect transport", err)
	}
	defer closeTransport()

	pOpts := []participant.Option{
		participant.WithLogger(logger),
		participant.WithMetrics(metrics.New()),
	}
	if !opts.Manual {
		pOpts = append(pOpts, participant.WithAutoStart())
	}
	if opts.Listen != "" {
		pOpts = append(pOpts, participant.WithListenAddr(opts.Listen))
	}
	if dbPath := firstNonEmpty(opts.Database, config.String(tree, config.KeyStorePath, "")); dbPath != "" {
		st, err := store.Open(dbPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open run record", err)
		}
		defer func() {
			if err := st.Close(); err != nil {
				logger.Error("error closing run record", "error", err)
			}
		}()
		pOpts = append(pOpts, participant.WithStore(st))
	}

	p, err := participant.New(tree, t, pOpts...)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to create participant", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	if opts.Watch {
		w, err := config.Watch(gctx, path, tree, logger)
		if err != nil {
			stop()
			_ = g.Wait()
			return WrapExitError(ExitCommandError, "failed to watch participant file", err)
		}
		defer w.Close()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Participant %s started (%s). Press Ctrl-C to stop.\n", p.Name(), p.Role())

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "participant error", err)
	}
	logger.Info("participant stopped", "state", p.State(), "last_error", p.LastError())
	return nil
}

// dialTransport connects to NATS when a URL is configured and otherwise
// returns an endpoint of a private in-process bus.
func dialTransport(opts *RunOptions, tree *config.Tree, name string, logger *slog.Logger) (transport.Transport, func(), error) {
	url := firstNonEmpty(opts.NATS, config.String(tree, config.KeyTransportNATSURL, ""))
	if url == "" {
		logger.Warn("no NATS URL configured, running without peers")
		bus := transport.NewBus()
		return bus.Endpoint(name), bus.Close, nil
	}
	session := firstNonEmpty(opts.Session, config.String(tree, config.KeyTransportSession, DefaultSession))
	nt, err := transport.DialNATS(url, name, session)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("joined session", "url", url, "session", session)
	return nt, func() { _ = nt.Close() }, nil
}

// jobDeclarations returns the scheduler.jobs keys of values. Only job
// declarations are shared with the session; the rest is per participant.
func jobDeclarations(values map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range values {
		if strings.HasPrefix(k, config.KeyJobsPrefix+".") {
			out[k] = v
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
