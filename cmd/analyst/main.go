// Command analyst is a terminal client for the analysis agent. Each line read
// from stdin runs one turn; the reply and the plan are printed once the turn
// ends. The watch subcommand renders the snapshots another client publishes
// to Pulse instead.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	displaypulse "goa.design/analyst/features/display/pulse"
	clientspulse "goa.design/analyst/features/display/pulse/clients/pulse"
	"goa.design/analyst/runtime/conversation"
	"goa.design/analyst/runtime/httpclient"
	"goa.design/analyst/runtime/session"
	"goa.design/analyst/runtime/telemetry"
)

// flags holds the values of the persistent command-line flags.
type flags struct {
	config   string
	endpoint string
	thread   string
	debug    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:   "analyst",
		Short: "Ask the analysis agent questions from the terminal",
		Long: `Analyst reads one question per line from stdin, streams the agent's
reply and prints it with the execution plan once the turn ends. Answer a
pending clarification with "/clarify choice, choice".`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, pc, cleanup, err := setup(cmd.Context(), f)
			if err != nil {
				return err
			}
			defer cleanup()
			return ignoreCanceled(chat(ctx, cfg, pc))
		},
	}
	root.PersistentFlags().StringVar(&f.config, "config", "", "Path to the YAML configuration file")
	root.PersistentFlags().StringVar(&f.endpoint, "endpoint", "", "Streaming endpoint URL (overrides config)")
	root.PersistentFlags().StringVar(&f.thread, "thread", "", "Thread id (overrides config)")
	root.PersistentFlags().BoolVarP(&f.debug, "debug", "d", false, "Enable debug logs")

	root.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Render the snapshots published to Pulse for a thread",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, pc, cleanup, err := setup(cmd.Context(), f)
			if err != nil {
				return err
			}
			defer cleanup()
			return ignoreCanceled(watch(ctx, cfg, pc))
		},
	})
	return root
}

// setup builds the logging context, loads the configuration and connects to
// Redis when configured. cleanup releases everything setup acquired.
func setup(parent context.Context, f flags) (context.Context, Config, clientspulse.Client, func(), error) {
	if parent == nil {
		parent = context.Background()
	}
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(parent, log.WithFormat(format))
	if f.debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := LoadConfig(f.config)
	if err != nil {
		return nil, Config{}, nil, nil, err
	}
	if f.endpoint != "" {
		cfg.Endpoint = f.endpoint
	}
	if f.thread != "" {
		cfg.ThreadID = f.thread
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	if cfg.Redis == nil {
		return ctx, cfg, nil, stop, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pc, err := clientspulse.New(clientspulse.Options{
		Redis:          rdb,
		StreamMaxLen:   cfg.Redis.StreamMaxLen,
		PublishTimeout: cfg.Redis.PublishTimeout,
	})
	if err != nil {
		_ = rdb.Close()
		stop()
		return nil, Config{}, nil, nil, fmt.Errorf("create pulse client: %w", err)
	}
	cleanup := func() {
		_ = pc.Close(context.Background())
		_ = rdb.Close()
		stop()
	}
	return ctx, cfg, pc, cleanup, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// chat runs one turn per stdin line until stdin closes or ctx is canceled.
func chat(ctx context.Context, cfg Config, pc clientspulse.Client) error {
	if cfg.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	transport, err := httpclient.New(cfg.Endpoint)
	if err != nil {
		return err
	}
	threadID := cfg.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	store := conversation.NewStore(threadID)
	opts := []session.Option{
		session.WithStore(store),
		session.WithNotifier(consoleNotifier{w: os.Stderr}),
		session.WithLogger(telemetry.NewClueLogger()),
		session.WithMetrics(telemetry.NewOTELMetrics()),
		session.WithTracer(telemetry.NewOTELTracer()),
	}
	if cfg.ThinkingWindow > 0 {
		opts = append(opts, session.WithThinkingWindow(cfg.ThinkingWindow))
	}
	if cfg.Retry != nil {
		opts = append(opts, session.WithRetry(*cfg.Retry))
	}
	if cfg.ProjectID != nil {
		opts = append(opts, session.WithProjectID(*cfg.ProjectID))
	}
	if pc != nil {
		sink, err := displaypulse.NewSink(displaypulse.Options{Client: pc})
		if err != nil {
			return err
		}
		opts = append(opts, session.WithSink(sink))
	}
	credentials := func(context.Context) (string, bool) { return cfg.Token(os.Getenv) }
	sess := session.New(transport, credentials, opts...)

	p := &progress{w: os.Stdout}
	cancel := store.Subscribe(p.observe)
	defer cancel()

	log.Printf(ctx, "thread %s", threadID)
	lines := readLines(ctx, os.Stdin)
	for {
		fmt.Fprint(os.Stdout, "> ")
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}
		req, ok := parseLine(line)
		if !ok {
			continue
		}
		if err := sess.Run(ctx, req); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			log.Errorf(ctx, err, "turn failed")
		}
		st := store.State()
		renderLast(os.Stdout, st)
		renderPlan(os.Stdout, st.Tasks)
	}
}

// readLines sends each line of r on the returned channel. The channel is
// closed when r is exhausted or ctx is canceled.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// watch renders every snapshot published for the thread.
func watch(ctx context.Context, cfg Config, pc clientspulse.Client) error {
	if pc == nil {
		return errors.New("watch requires redis to be configured")
	}
	if cfg.ThreadID == "" {
		return errors.New("watch requires a thread id")
	}
	sub, err := displaypulse.NewSubscriber(displaypulse.SubscriberOptions{Client: pc})
	if err != nil {
		return err
	}
	states, errs, cancel, err := sub.Subscribe(ctx, cfg.ThreadID)
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if ok {
				return err
			}
			errs = nil
		case st, ok := <-states:
			if !ok {
				return nil
			}
			fmt.Fprint(os.Stdout, "\033[H\033[2J")
			renderState(os.Stdout, st)
		}
	}
}
