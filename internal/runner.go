package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrConnect = errors.New("failed to connect to the modbus server")
	ErrFault   = errors.New("unexpected fault")

	// ErrInterrupted is returned when ctx ends (SIGINT, SIGTERM) while the
	// device has not answered yet.
	ErrInterrupted = errors.New("interrupted")
)

// Process exit codes.
const (
	ExitOK        = 0
	ExitConnect   = 1
	ExitOperation = 2
	ExitFault     = 3
	ExitUsage     = 4

	// 128 + SIGINT, what a shell reports for a process killed by Ctrl-C.
	ExitInterrupted = 130
)

// ExitCode maps the error returned by Run (or configuration) to an exit code.
func ExitCode(err error) int {
	var opErr *OperationError
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrInterrupted):
		return ExitInterrupted
	case errors.Is(err, ErrConnect):
		return ExitConnect
	case errors.As(err, &opErr):
		return ExitOperation
	case errors.Is(err, ErrUsage), errors.Is(err, ErrUnsupportedRegisterType):
		return ExitUsage
	}
	return ExitFault
}

// State of the runner's single connection.
type State int

const (
	StateUnconnected State = iota
	StateConnected
	StateClosed
	StateFailed
	StateInterrupted
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	case StateInterrupted:
		return "interrupted"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Runner opens one connection, performs the one configured operation,
// prints the outcome and closes the connection on every path.
type Runner struct {
	cfg    Config
	open   ClientFactory
	out    io.Writer
	logger zerolog.Logger
	sink   Sink
	now    func() time.Time
	state  State
}

type RunnerOption func(*Runner)

// WithSink stores successful reads, e.g. in InfluxDB.
func WithSink(s Sink) RunnerOption {
	return func(r *Runner) { r.sink = s }
}

func NewRunner(cfg Config, open ClientFactory, out io.Writer, logger zerolog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		cfg:    cfg,
		open:   open,
		out:    out,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) State() State { return r.state }

// Run performs the invocation. The returned error feeds ExitCode; output for
// the user has already been written to out.
//
// Connect and the register operation are abandoned as soon as ctx is done,
// without waiting for the library timeout. The connection is then left open:
// the Modbus libraries hold their lock for the whole exchange, so Close would
// block just as long, and the process is about to exit anyway.
func (r *Runner) Run(ctx context.Context) error {
	req, err := r.cfg.Request()
	if err != nil {
		return err
	}

	client, err := r.open(r.cfg, r.logger)
	if err == nil {
		err = await(ctx, client.Connect)
	}
	if errors.Is(err, ErrInterrupted) {
		return r.interrupted(err)
	}
	if err != nil {
		r.state = StateFailed
		r.logger.Error().Err(err).Str("target", r.cfg.Target()).Msg("connect failed")
		fmt.Fprintln(r.out, "Failed to connect to the Modbus server")
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	r.state = StateConnected
	r.logger.Debug().Str("target", r.cfg.Target()).Msg("connected")

	err = await(ctx, func() error { return r.dispatch(ctx, client, req) })
	if errors.Is(err, ErrInterrupted) {
		return r.interrupted(err)
	}
	r.close(client)
	return err
}

// await runs fn and returns its error, or ErrInterrupted once ctx is done.
// fn keeps running in the background after an interruption.
func await(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrInterrupted, context.Cause(ctx))
	}
}

func (r *Runner) interrupted(err error) error {
	r.state = StateInterrupted
	r.logger.Warn().Err(err).Str("target", r.cfg.Target()).Msg("interrupted, abandoning the request")
	return err
}

func (r *Runner) dispatch(ctx context.Context, client Client, req Request) (err error) {
	defer func() {
		if p := recover(); p != nil {
			fmt.Fprintf(r.out, "An error occurred: %v\n", p)
			err = fmt.Errorf("%w: %v", ErrFault, p)
		}
	}()

	res, err := NewDispatcher(client, r.logger).Dispatch(req)
	if err != nil {
		var opErr *OperationError
		if errors.As(err, &opErr) {
			return err
		}
		fmt.Fprintf(r.out, "An error occurred: %v\n", err)
		return fmt.Errorf("%w: %w", ErrFault, err)
	}

	r.report(req, res)
	r.store(ctx, req, res)
	return nil
}

func (r *Runner) close(client Client) {
	if err := client.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("close failed")
	}
	r.state = StateClosed
	r.logger.Debug().Msg("connection closed")
}

func (r *Runner) report(req Request, res Result) {
	switch req.Kind {
	case KindReadHolding:
		for i, v := range res.Values {
			fmt.Fprintf(r.out, "Read value from holding register %d: %d with %s endian.\n",
				int(req.Address)+i, v, req.Ordering)
		}
	case KindWriteSingle:
		fmt.Fprintf(r.out, "Value %d written to register %d with %s endian, function code %s.\n",
			req.Values[0], req.Address, req.Ordering, WriteSingle)
	case KindWriteMultiple:
		fmt.Fprintf(r.out, "Values %s written to register %d with %s endian, function code %s.\n",
			formatValues(req.Values), req.Address, req.Ordering, WriteMultiple)
	}
}

func (r *Runner) store(ctx context.Context, req Request, res Result) {
	if r.sink == nil || req.Kind != KindReadHolding || len(res.Values) == 0 {
		return
	}
	if err := r.sink.Store(ctx, req, res.Values, r.now().UTC()); err != nil {
		r.logger.Warn().Err(err).Msg("storing read values failed")
	}
}

// formatValues renders [1, 2, 3].
func formatValues(vs []uint16) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.Itoa(int(v))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
