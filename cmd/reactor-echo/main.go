//go:build linux || darwin

// Command reactor-echo runs a TCP or UDP echo server on top of the reactor
// package, e.g. for load testing.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/go-reactor"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var errStopped = errors.New("stopped")

type flags struct {
	Listen          string
	Loops           int
	LogLevel        string
	MetricsInterval time.Duration
}

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	f := new(flags)

	command := &cobra.Command{
		Use:          "reactor-echo",
		Short:        "echo server, built on a reactor event loop",
		SilenceUsage: true,
	}
	command.PersistentFlags().StringVarP(&f.Listen, "listen", "l", "127.0.0.1:7007", "Set the address to listen on.")
	command.PersistentFlags().IntVarP(&f.Loops, "loops", "n", 0, "Set the number of worker loops connections are distributed over (tcp only).")
	command.PersistentFlags().StringVar(&f.LogLevel, "log-level", logiface.LevelInformational.String(), "Set the log level.")
	command.PersistentFlags().DurationVar(&f.MetricsInterval, "metrics-interval", 0, "Log loop metrics at this interval, 0 to disable.")

	command.AddCommand(
		&cobra.Command{
			Use:   "tcp",
			Short: "Run a TCP echo server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), f, serveTCP)
			},
		},
		&cobra.Command{
			Use:   "udp",
			Short: "Run a UDP echo server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), f, serveUDP)
			},
		},
	)

	return command
}

// server wires a protocol onto the base loop, returning a function that
// releases it, which is called on the base loop.
type server func(s *service, addr netip.AddrPort) (func(), error)

// service is the set of running loops.
type service struct {
	logger  *logiface.Logger[logiface.Event]
	base    *reactor.EventLoop
	workers []*reactor.EventLoop
	next    int
}

// worker picks the loop for a new connection, round-robin. It must be called
// on the base loop.
func (s *service) worker() *reactor.EventLoop {
	if len(s.workers) == 0 {
		return s.base
	}
	l := s.workers[s.next%len(s.workers)]
	s.next++
	return l
}

func run(ctx context.Context, f *flags, serve server) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	level, err := parseLevel(f.LogLevel)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddrPort(f.Listen)
	if err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}
	if f.Loops < 0 {
		return fmt.Errorf("invalid loops: %d", f.Loops)
	}

	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(level),
	).Logger()

	opts := []reactor.LoopOption{
		reactor.WithLogger(logger),
		reactor.WithMetrics(f.MetricsInterval > 0),
	}

	base, err := reactor.New(opts...)
	if err != nil {
		return err
	}
	s := &service{logger: logger, base: base}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	abort := func(err error) error {
		cancel()
		base.Stop()
		_ = g.Wait()
		return err
	}

	for range f.Loops {
		lt := reactor.NewLoopThread(nil, opts...)
		l, err := lt.Start()
		if err != nil {
			_ = lt.Close()
			return abort(err)
		}
		s.workers = append(s.workers, l)
		g.Go(func() error {
			<-ctx.Done()
			return lt.Close()
		})
	}

	release, err := serve(s, addr)
	if err != nil {
		return abort(err)
	}

	if f.MetricsInterval > 0 {
		if _, err := base.InvokeEvery(f.MetricsInterval, s.logMetrics); err != nil {
			release()
			return abort(err)
		}
	}

	g.Go(func() error {
		<-ctx.Done()
		_ = base.Invoke(func() {
			release()
			base.Stop()
		})
		return nil
	})

	g.Go(func() error {
		if err := base.Run(); err != nil {
			return err
		}
		// tears down the workers
		return errStopped
	})

	logger.Info().
		Str(`listen`, addr.String()).
		Int(`loops`, len(s.workers)).
		Log(`echo server started`)

	if err := g.Wait(); err != nil && !errors.Is(err, errStopped) {
		return err
	}
	logger.Info().Log(`echo server stopped`)
	return nil
}

func (s *service) logMetrics() {
	for i, l := range append([]*reactor.EventLoop{s.base}, s.workers...) {
		m := l.Metrics()
		s.logger.Info().
			Int(`loop`, i).
			Uint64(`loop_id`, l.ID()).
			Uint64(`cycles`, m.Cycles).
			Uint64(`dispatches`, m.Dispatches).
			Uint64(`tasks`, m.Tasks).
			Uint64(`timers_fired`, m.TimersFired).
			Uint64(`wakeups`, m.Wakeups).
			Dur(`p50`, m.Latency.P50).
			Dur(`p99`, m.Latency.P99).
			Dur(`max`, m.Latency.Max).
			Log(`loop metrics`)
	}
}

func parseLevel(s string) (logiface.Level, error) {
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == s {
			return level, nil
		}
	}
	return logiface.LevelDisabled, fmt.Errorf("invalid log level: %q", s)
}
