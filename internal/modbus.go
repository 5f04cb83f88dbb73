package internal

import (
	"fmt"
	"log"
	"net"
	"strings"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"
	smodbus "github.com/simonvetter/modbus"
)

// Client is everything the tool needs from a Modbus protocol library:
// a connection lifecycle and the three holding register operations.
// Framing, CRC and socket handling stay inside the library.
type Client interface {
	Connect() error
	Close() error
	ReadHoldingRegisters(address, quantity uint16, unit uint8) ([]uint16, error)
	WriteRegister(address, value uint16, unit uint8) error
	WriteRegisters(address uint16, values []uint16, unit uint8) error
}

// ClientFactory builds a Client for the configured transport.
type ClientFactory func(cfg Config, logger zerolog.Logger) (Client, error)

// NewClient picks the library and handler matching cfg.Comm. Nothing is
// opened here; the runner owns Connect and Close.
func NewClient(cfg Config, logger zerolog.Logger) (Client, error) {
	switch cfg.Comm {
	case CommTCP:
		handler := modbus.NewTCPClientHandler(net.JoinHostPort(cfg.Host, cfg.Port))
		handler.Timeout = cfg.Timeout
		if logger.GetLevel() <= zerolog.DebugLevel {
			handler.Logger = frameLogger(logger)
		}
		return newGoburrowClient(handler, func(id byte) { handler.SlaveId = id }), nil

	case CommSerial:
		handler := modbus.NewRTUClientHandler(cfg.Port)
		handler.BaudRate = cfg.Serial.BaudRate
		handler.DataBits = cfg.Serial.DataBits
		handler.Parity = cfg.Serial.Parity
		handler.StopBits = cfg.Serial.StopBits
		handler.Timeout = cfg.Timeout
		if logger.GetLevel() <= zerolog.DebugLevel {
			handler.Logger = frameLogger(logger)
		}
		return newGoburrowClient(handler, func(id byte) { handler.SlaveId = id }), nil

	case CommRTUOverTCP:
		// simonvetter prints to stdout when no logger is set
		mc, err := smodbus.NewClient(&smodbus.ClientConfiguration{
			URL:     rtuOverTCPURL(cfg.Host, cfg.Port),
			Timeout: cfg.Timeout,
			Logger:  frameLogger(logger),
		})
		if err != nil {
			return nil, fmt.Errorf("rtu over tcp client: %w", err)
		}
		return &rtuOverTCPClient{client: mc}, nil
	}
	return nil, fmt.Errorf("%w: unsupported communication type %q", ErrUsage, cfg.Comm)
}

// frameLogger routes a library's standard logger into zerolog at debug level.
func frameLogger(logger zerolog.Logger) *log.Logger {
	return log.New(debugWriter{logger.With().Str("component", "modbus").Logger()}, "", 0)
}

type debugWriter struct {
	logger zerolog.Logger
}

func (w debugWriter) Write(p []byte) (int, error) {
	w.logger.Debug().Msg(strings.TrimSpace(string(p)))
	return len(p), nil
}

func rtuOverTCPURL(host, port string) string {
	return "rtuovertcp://" + net.JoinHostPort(host, port)
}

// goburrowHandler is satisfied by *modbus.TCPClientHandler and *modbus.RTUClientHandler.
type goburrowHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

type goburrowClient struct {
	handler goburrowHandler
	setUnit func(byte)
	client  modbus.Client
}

func newGoburrowClient(handler goburrowHandler, setUnit func(byte)) *goburrowClient {
	return &goburrowClient{
		handler: handler,
		setUnit: setUnit,
		client:  modbus.NewClient(handler),
	}
}

func (c *goburrowClient) Connect() error { return c.handler.Connect() }

func (c *goburrowClient) Close() error { return c.handler.Close() }

func (c *goburrowClient) ReadHoldingRegisters(address, quantity uint16, unit uint8) ([]uint16, error) {
	c.setUnit(unit)
	resp, err := c.client.ReadHoldingRegisters(address, quantity)
	if err != nil {
		return nil, err
	}
	if want := int(quantity) * 2; len(resp) != want {
		return nil, fmt.Errorf("unexpected response length at addr=%d: got=%d want=%d", address, len(resp), want)
	}
	return U16s(resp), nil
}

func (c *goburrowClient) WriteRegister(address, value uint16, unit uint8) error {
	c.setUnit(unit)
	_, err := c.client.WriteSingleRegister(address, value)
	return err
}

func (c *goburrowClient) WriteRegisters(address uint16, values []uint16, unit uint8) error {
	c.setUnit(unit)
	_, err := c.client.WriteMultipleRegisters(address, uint16(len(values)), PutU16s(values))
	return err
}

// rtuOverTCPClient carries RTU frames (with CRC) over a TCP socket, the
// usual setup behind serial device servers.
type rtuOverTCPClient struct {
	client *smodbus.ModbusClient
}

func (c *rtuOverTCPClient) Connect() error { return c.client.Open() }

func (c *rtuOverTCPClient) Close() error { return c.client.Close() }

func (c *rtuOverTCPClient) ReadHoldingRegisters(address, quantity uint16, unit uint8) ([]uint16, error) {
	if err := c.client.SetUnitId(unit); err != nil {
		return nil, err
	}
	return c.client.ReadRegisters(address, quantity, smodbus.HOLDING_REGISTER)
}

func (c *rtuOverTCPClient) WriteRegister(address, value uint16, unit uint8) error {
	if err := c.client.SetUnitId(unit); err != nil {
		return err
	}
	return c.client.WriteRegister(address, value)
}

func (c *rtuOverTCPClient) WriteRegisters(address uint16, values []uint16, unit uint8) error {
	if err := c.client.SetUnitId(unit); err != nil {
		return err
	}
	return c.client.WriteRegisters(address, values)
}

// ---------- Register byte helpers (big-endian by byte) ----------

func U16(b []byte) uint16 {
	if len(b) < 2 {
		return 0
	}
	return uint16(b[0])<<8 | uint16(b[1])
}

// U16s splits a register response into words; a trailing odd byte is dropped.
func U16s(b []byte) []uint16 {
	out := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		out = append(out, U16(b[i:i+2]))
	}
	return out
}

func PutU16s(vs []uint16) []byte {
	b := make([]byte, 0, len(vs)*2)
	for _, v := range vs {
		b = append(b, byte(v>>8), byte(v))
	}
	return b
}
