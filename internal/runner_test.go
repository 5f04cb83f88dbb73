package internal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func factoryFor(client *fakeClient) ClientFactory {
	return func(Config, zerolog.Logger) (Client, error) { return client, nil }
}

func readConfig() Config {
	cfg := DefaultConfig()
	cfg.Address = 100
	cfg.Count = 2
	return cfg
}

type recordingSink struct {
	values []uint16
	req    Request
	err    error
	fault  any
}

func (s *recordingSink) Store(_ context.Context, req Request, values []uint16, _ time.Time) error {
	if s.fault != nil {
		panic(s.fault)
	}
	s.req = req
	s.values = values
	return s.err
}

func (s *recordingSink) Close() {}

func TestRunnerRead(t *testing.T) {
	var out bytes.Buffer
	client := &fakeClient{registers: []uint16{0x0100, 0x0200}}
	r := NewRunner(readConfig(), factoryFor(client), &out, zerolog.Nop())

	err := r.Run(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, out.String(),
		"Read value from holding register 100: 1 with big endian.\n"+
			"Read value from holding register 101: 2 with big endian.\n")
	assert.DeepEqual(t, client.calls, []string{"connect", "read", "close"})
	assert.Equal(t, r.State(), StateClosed)
	assert.Equal(t, ExitCode(err), ExitOK)
}

func TestRunnerConnectFailure(t *testing.T) {
	var out bytes.Buffer
	client := &fakeClient{connectErr: errors.New("connection refused")}
	r := NewRunner(readConfig(), factoryFor(client), &out, zerolog.Nop())

	err := r.Run(context.Background())
	assert.Assert(t, errors.Is(err, ErrConnect))
	assert.Equal(t, ExitCode(err), ExitConnect)
	assert.Equal(t, out.String(), "Failed to connect to the Modbus server\n")
	assert.DeepEqual(t, client.calls, []string{"connect"})
	assert.Equal(t, r.State(), StateFailed)
}

func TestRunnerFactoryFailure(t *testing.T) {
	var out bytes.Buffer
	open := func(Config, zerolog.Logger) (Client, error) { return nil, errors.New("no such device") }
	r := NewRunner(readConfig(), open, &out, zerolog.Nop())

	err := r.Run(context.Background())
	assert.Equal(t, ExitCode(err), ExitConnect)
	assert.Equal(t, r.State(), StateFailed)
}

func TestRunnerReadFailureStillCloses(t *testing.T) {
	var out bytes.Buffer
	client := &fakeClient{fault: errors.New("bad crc")}
	r := NewRunner(readConfig(), factoryFor(client), &out, zerolog.Nop())

	err := r.Run(context.Background())
	assert.Equal(t, ExitCode(err), ExitOperation)
	assert.Equal(t, out.String(), "")
	assert.Equal(t, client.closed, 1)
	assert.Equal(t, r.State(), StateClosed)
}

func TestRunnerUnexpectedFaultStillCloses(t *testing.T) {
	var out bytes.Buffer
	client := &fakeClient{registers: []uint16{1}}
	cfg := readConfig()
	cfg.Count = 1
	r := NewRunner(cfg, factoryFor(client), &out, zerolog.Nop(), WithSink(&recordingSink{fault: "boom"}))

	err := r.Run(context.Background())
	assert.Assert(t, errors.Is(err, ErrFault))
	assert.Equal(t, ExitCode(err), ExitFault)
	assert.Assert(t, is.Contains(out.String(), "An error occurred: boom\n"))
	assert.Equal(t, client.closed, 1)
	assert.Equal(t, r.State(), StateClosed)
}

func TestRunnerWriteSingle(t *testing.T) {
	var out bytes.Buffer
	client := &fakeClient{}
	cfg := DefaultConfig()
	cfg.Function = FunctionWrite
	cfg.Address = 7
	cfg.Value, cfg.HasValue = 0x00AB, true
	cfg.Ordering = MixedEndian
	r := NewRunner(cfg, factoryFor(client), &out, zerolog.Nop())

	assert.NilError(t, r.Run(context.Background()))
	assert.DeepEqual(t, client.written, []uint16{0xAB00})
	assert.Equal(t, out.String(), "Value 171 written to register 7 with mixed endian, function code 0x06.\n")
}

func TestRunnerWriteMultiple(t *testing.T) {
	var out bytes.Buffer
	client := &fakeClient{}
	cfg := DefaultConfig()
	cfg.Function = FunctionWrite
	cfg.WriteCode = WriteMultiple
	cfg.Address = 40
	cfg.Values = []uint16{1, 2, 3}
	cfg.Ordering = LittleEndian
	r := NewRunner(cfg, factoryFor(client), &out, zerolog.Nop())

	assert.NilError(t, r.Run(context.Background()))
	assert.DeepEqual(t, client.calls, []string{"connect", "write-multiple", "close"})
	assert.Equal(t, out.String(), "Values [1, 2, 3] written to register 40 with little endian, function code 0x10.\n")
}

func TestRunnerWriteFailureHasNoConfirmation(t *testing.T) {
	var out bytes.Buffer
	client := &fakeClient{err: errors.New("exception '4'")}
	cfg := DefaultConfig()
	cfg.Function = FunctionWrite
	cfg.Value, cfg.HasValue = 1, true
	r := NewRunner(cfg, factoryFor(client), &out, zerolog.Nop())

	err := r.Run(context.Background())
	assert.Equal(t, ExitCode(err), ExitOperation)
	assert.Equal(t, out.String(), "")
	assert.Equal(t, client.closed, 1)
}

func TestRunnerInvalidConfigNeverConnects(t *testing.T) {
	client := &fakeClient{}
	cfg := readConfig()
	cfg.RegisterType = "coil"
	r := NewRunner(cfg, factoryFor(client), &bytes.Buffer{}, zerolog.Nop())

	err := r.Run(context.Background())
	assert.Assert(t, errors.Is(err, ErrUnsupportedRegisterType))
	assert.Equal(t, ExitCode(err), ExitUsage)
	assert.Assert(t, is.Len(client.calls, 0))
	assert.Equal(t, r.State(), StateUnconnected)
}

func TestRunnerStoresReads(t *testing.T) {
	client := &fakeClient{registers: []uint16{0x0100, 0x0200}}
	sink := &recordingSink{}
	r := NewRunner(readConfig(), factoryFor(client), &bytes.Buffer{}, zerolog.Nop(), WithSink(sink))

	assert.NilError(t, r.Run(context.Background()))
	assert.DeepEqual(t, sink.values, []uint16{1, 2})
	assert.Equal(t, sink.req.Address, uint16(100))
}

func TestRunnerSinkErrorIsOnlyAWarning(t *testing.T) {
	var logs bytes.Buffer
	client := &fakeClient{registers: []uint16{1}}
	sink := &recordingSink{err: errors.New("influxdb not reachable")}
	r := NewRunner(readConfig(), factoryFor(client), &bytes.Buffer{}, testLogger(&logs), WithSink(sink))

	err := r.Run(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, warnings(&logs), 1)
}

func TestRunnerCloseErrorIsLogged(t *testing.T) {
	var logs bytes.Buffer
	client := &fakeClient{registers: []uint16{1}, closeErr: errors.New("already closed")}
	r := NewRunner(readConfig(), factoryFor(client), &bytes.Buffer{}, testLogger(&logs))

	assert.NilError(t, r.Run(context.Background()))
	assert.Assert(t, is.Contains(logs.String(), "already closed"))
	assert.Equal(t, r.State(), StateClosed)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitCode(nil), ExitOK)
	assert.Equal(t, ExitCode(ErrUsage), ExitUsage)
	assert.Equal(t, ExitCode(fmt.Errorf("%w: context canceled", ErrInterrupted)), ExitInterrupted)
	assert.Equal(t, ExitCode(&OperationError{Err: errors.New("x")}), ExitOperation)
	assert.Equal(t, ExitCode(errors.New("anything else")), ExitFault)
}

func TestRunnerInterruptedDuringRead(t *testing.T) {
	var out, logs bytes.Buffer
	client := &fakeClient{block: make(chan struct{}), started: make(chan struct{})}
	defer close(client.block)
	r := NewRunner(readConfig(), factoryFor(client), &out, testLogger(&logs))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-client.started
		cancel()
	}()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case err := <-done:
		assert.Assert(t, errors.Is(err, ErrInterrupted), "got %v", err)
		assert.Equal(t, ExitCode(err), ExitInterrupted)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the context was cancelled")
	}
	assert.Equal(t, r.State(), StateInterrupted)
	assert.Equal(t, out.String(), "")
	assert.Assert(t, is.Contains(logs.String(), "interrupted"))
	assert.Equal(t, client.closed, 0)
}

func TestRunnerInterruptedDuringConnect(t *testing.T) {
	var out bytes.Buffer
	client := &fakeClient{block: make(chan struct{}), blockConnect: true, started: make(chan struct{})}
	defer close(client.block)
	r := NewRunner(readConfig(), factoryFor(client), &out, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-client.started
		cancel()
	}()

	err := r.Run(ctx)
	assert.Equal(t, ExitCode(err), ExitInterrupted)
	assert.Equal(t, r.State(), StateInterrupted)
	assert.Equal(t, out.String(), "")
}
