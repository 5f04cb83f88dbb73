package internal

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Kind selects one of the supported holding register operations.
type Kind int

const (
	KindReadHolding Kind = iota
	KindWriteSingle
	KindWriteMultiple
)

func (k Kind) String() string {
	switch k {
	case KindReadHolding:
		return "read holding registers"
	case KindWriteSingle:
		return "write register"
	case KindWriteMultiple:
		return "write registers"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Request is one register operation, built once from configuration and
// consumed by a single Dispatch call.
type Request struct {
	Kind     Kind
	Address  uint16
	Count    uint16   // reads only
	Values   []uint16 // one value for a single write, one or more for a multiple write
	Ordering Ordering
	Unit     uint8
}

// Result carries the values read back; empty for writes and failed reads.
type Result struct {
	Values []uint16
}

// OperationError is the single failure shape of the dispatcher. Err is the
// library error (exception response, CRC or framing fault, timeout) or the
// value recovered from a panicking client.
type OperationError struct {
	Op      Kind
	Address uint16
	Unit    uint8
	Err     error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s at addr=%d unit=%d: %v", e.Op, e.Address, e.Unit, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// Dispatcher applies the endian transform and invokes the client. Failures
// are logged once at warn level and come back as *OperationError with an
// empty result; nothing panics out of it.
type Dispatcher struct {
	client Client
	logger zerolog.Logger
}

func NewDispatcher(client Client, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{client: client, logger: logger}
}

// Dispatch runs the operation selected by req.Kind.
func (d *Dispatcher) Dispatch(req Request) (Result, error) {
	switch req.Kind {
	case KindReadHolding:
		values, err := d.ReadHoldingRegisters(req.Address, req.Count, req.Unit, req.Ordering)
		return Result{Values: values}, err
	case KindWriteSingle:
		if len(req.Values) != 1 {
			return Result{}, fmt.Errorf("%w: write register needs exactly one value, got %d", ErrUsage, len(req.Values))
		}
		return Result{}, d.WriteRegister(req.Address, req.Values[0], req.Unit, req.Ordering)
	case KindWriteMultiple:
		return Result{}, d.WriteRegisters(req.Address, req.Values, req.Unit, req.Ordering)
	}
	return Result{}, fmt.Errorf("%w: unknown operation %v", ErrUsage, req.Kind)
}

// ReadHoldingRegisters returns the transformed values in the order received,
// or an empty slice and an *OperationError.
func (d *Dispatcher) ReadHoldingRegisters(address, count uint16, unit uint8, o Ordering) (values []uint16, err error) {
	values = []uint16{}
	defer d.recoverFault(KindReadHolding, address, unit, &err)

	raw, rerr := d.client.ReadHoldingRegisters(address, count, unit)
	if rerr != nil {
		return values, d.fail(KindReadHolding, address, unit, rerr)
	}
	return o.TransformAll(raw), nil
}

func (d *Dispatcher) WriteRegister(address, value uint16, unit uint8, o Ordering) (err error) {
	defer d.recoverFault(KindWriteSingle, address, unit, &err)

	if werr := d.client.WriteRegister(address, o.Transform(value), unit); werr != nil {
		return d.fail(KindWriteSingle, address, unit, werr)
	}
	return nil
}

// WriteRegisters transforms a copy of values; the caller's slice is left alone.
func (d *Dispatcher) WriteRegisters(address uint16, values []uint16, unit uint8, o Ordering) (err error) {
	defer d.recoverFault(KindWriteMultiple, address, unit, &err)

	if werr := d.client.WriteRegisters(address, o.TransformAll(values), unit); werr != nil {
		return d.fail(KindWriteMultiple, address, unit, werr)
	}
	return nil
}

func (d *Dispatcher) fail(op Kind, address uint16, unit uint8, cause error) error {
	d.logger.Warn().
		Str("op", op.String()).
		Uint16("address", address).
		Uint8("unit", unit).
		Err(cause).
		Msg("ignoring modbus error")
	return &OperationError{Op: op, Address: address, Unit: unit, Err: cause}
}

// recoverFault turns a panicking client into an ordinary operation failure.
func (d *Dispatcher) recoverFault(op Kind, address uint16, unit uint8, err *error) {
	r := recover()
	if r == nil {
		return
	}
	cause, ok := r.(error)
	if !ok {
		cause = fmt.Errorf("%v", r)
	}
	*err = d.fail(op, address, unit, fmt.Errorf("client fault: %w", cause))
}
