package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	dotenv "github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	ErrUsage                   = errors.New("invalid configuration")
	ErrUnsupportedRegisterType = errors.New("unsupported register type")
)

// Comm is the transport used to reach the device.
type Comm string

const (
	CommTCP        Comm = "tcp"
	CommRTUOverTCP Comm = "rtu_tcp"
	CommSerial     Comm = "serial"
)

const (
	FunctionRead  = "read"
	FunctionWrite = "write"

	WriteSingle   = "0x06"
	WriteMultiple = "0x10"

	RegisterHolding = "holding"
)

// Protocol limits for one request.
const (
	MaxReadCount  = 125
	MaxWriteCount = 123
	MaxSlaveID    = 247
)

// Config is the resolved configuration of one invocation. It is built once
// in main and passed by value from there on.
type Config struct {
	Comm    Comm
	Host    string
	Port    string // TCP port, or the serial device path when Comm is serial
	Timeout time.Duration
	Serial  SerialConfig

	SlaveID      uint8
	Address      uint16
	Count        uint16
	Value        uint16
	HasValue     bool
	Values       []uint16
	Ordering     Ordering
	RegisterType string
	Function     string // read or write
	WriteCode    string // 0x06 or 0x10, consulted only for writes

	Influx  bool
	Storage StorageConfig
}

// SerialConfig holds RTU line settings.
type SerialConfig struct {
	BaudRate int
	DataBits int
	Parity   string // N, E or O
	StopBits int
}

// DefaultConfig returns the settings used when nothing else is given.
func DefaultConfig() Config {
	return Config{
		Comm:    CommTCP,
		Host:    "127.0.0.1",
		Port:    "502",
		Timeout: 3 * time.Second,
		Serial: SerialConfig{
			BaudRate: 9600,
			DataBits: 8,
			Parity:   "N",
			StopBits: 1,
		},
		SlaveID:      1,
		Count:        1,
		Ordering:     BigEndian,
		RegisterType: RegisterHolding,
		Function:     FunctionRead,
		WriteCode:    WriteSingle,
		Storage: StorageConfig{
			Influxdb2: Influxdb2Config{Measurement: "holding_registers"},
		},
	}
}

// Target is the human readable endpoint, used in logs and stored points.
func (c Config) Target() string {
	if c.Comm == CommSerial {
		return c.Port
	}
	return c.Host + ":" + c.Port
}

// Validate checks the configuration before anything is opened.
func (c Config) Validate() error {
	switch c.Comm {
	case CommTCP, CommRTUOverTCP:
		if c.Host == "" {
			return fmt.Errorf("%w: host is empty", ErrUsage)
		}
		if _, err := strconv.ParseUint(c.Port, 10, 16); err != nil {
			return fmt.Errorf("%w: port %q is not a TCP port", ErrUsage, c.Port)
		}
	case CommSerial:
		if c.Port == "" {
			return fmt.Errorf("%w: serial device is empty", ErrUsage)
		}
		if c.Serial.BaudRate <= 0 {
			return fmt.Errorf("%w: baudrate must be positive", ErrUsage)
		}
		switch c.Serial.Parity {
		case "N", "E", "O":
		default:
			return fmt.Errorf("%w: parity %q (want N, E or O)", ErrUsage, c.Serial.Parity)
		}
	default:
		return fmt.Errorf("%w: unsupported communication type %q", ErrUsage, c.Comm)
	}

	if c.SlaveID > MaxSlaveID {
		return fmt.Errorf("%w: slave id must be between 0 and %d", ErrUsage, MaxSlaveID)
	}
	if _, err := ParseOrdering(string(c.Ordering)); err != nil {
		return err
	}
	if c.RegisterType != RegisterHolding {
		return fmt.Errorf("%w: %q (only %q is implemented)", ErrUnsupportedRegisterType, c.RegisterType, RegisterHolding)
	}

	switch c.Function {
	case FunctionRead:
		if c.Count < 1 || c.Count > MaxReadCount {
			return fmt.Errorf("%w: count must be between 1 and %d", ErrUsage, MaxReadCount)
		}
	case FunctionWrite:
		switch c.WriteCode {
		case WriteSingle:
			if !c.HasValue {
				return fmt.Errorf("%w: function code 0x06 needs a value", ErrUsage)
			}
		case WriteMultiple:
			if len(c.Values) < 1 || len(c.Values) > MaxWriteCount {
				return fmt.Errorf("%w: function code 0x10 needs between 1 and %d values", ErrUsage, MaxWriteCount)
			}
		default:
			return fmt.Errorf("%w: write function code %q (want 0x06 or 0x10)", ErrUsage, c.WriteCode)
		}
	default:
		return fmt.Errorf("%w: function %q (want read or write)", ErrUsage, c.Function)
	}

	if c.Influx && c.Storage.Influxdb2.Bucket == "" {
		return fmt.Errorf("%w: storage.influxdb2.bucket is empty", ErrUsage)
	}
	return nil
}

// Request turns a validated configuration into the single operation to run.
func (c Config) Request() (Request, error) {
	if err := c.Validate(); err != nil {
		return Request{}, err
	}
	req := Request{
		Address:  c.Address,
		Ordering: c.Ordering,
		Unit:     c.SlaveID,
	}
	switch {
	case c.Function == FunctionRead:
		req.Kind = KindReadHolding
		req.Count = c.Count
	case c.WriteCode == WriteSingle:
		req.Kind = KindWriteSingle
		req.Values = []uint16{c.Value}
	default:
		req.Kind = KindWriteMultiple
		req.Values = append([]uint16(nil), c.Values...)
	}
	return req, nil
}

// ---------- Parsing helpers ----------

// ParseUint16 accepts decimal or 0x-prefixed hex.
func ParseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a 16-bit value", ErrUsage, s)
	}
	return uint16(v), nil
}

// ParseValues parses a comma or space separated list of 16-bit values.
func ParseValues(s string) ([]uint16, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]uint16, 0, len(fields))
	for _, f := range fields {
		v, err := ParseUint16(f)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ParseSlaveID parses a unit identifier in the 0..247 range.
func ParseSlaveID(s string) (uint8, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil || v > MaxSlaveID {
		return 0, fmt.Errorf("%w: slave id %q must be between 0 and %d", ErrUsage, s, MaxSlaveID)
	}
	return uint8(v), nil
}

// ParseParity maps none/even/odd (or N/E/O) to the letter the serial layer expects.
func ParseParity(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "n", "none":
		return "N", nil
	case "e", "even":
		return "E", nil
	case "o", "odd":
		return "O", nil
	}
	return "", fmt.Errorf("%w: parity %q (want none, even or odd)", ErrUsage, s)
}

// ParseComm accepts tcp, rtu_tcp or serial.
func ParseComm(s string) (Comm, error) {
	switch c := Comm(strings.ToLower(strings.TrimSpace(s))); c {
	case CommTCP, CommRTUOverTCP, CommSerial:
		return c, nil
	}
	return "", fmt.Errorf("%w: unsupported communication type %q", ErrUsage, s)
}

// ---------- .env ----------

// LoadEnv loads a dotenv file into the process environment without
// overriding variables that are already set. A missing file is only an
// error when the path was given explicitly.
func LoadEnv(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := dotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: loading %s: %v", ErrUsage, path, err)
	}
	return nil
}

// ---------- YAML profile ----------

// Profile is the optional YAML file given with --config.
type Profile struct {
	Connection ConnectionProfile `yaml:"connection"`
	Storage    StorageConfig     `yaml:"storage"`
}

// ConnectionProfile fills in connection settings not given on the command line.
type ConnectionProfile struct {
	Comm    string        `yaml:"comm"`
	Host    string        `yaml:"host"`
	Port    string        `yaml:"port"` // TCP port or serial device
	SlaveID *int          `yaml:"slave_id"`
	Timeout string        `yaml:"timeout"` // Go duration, e.g. 2s
	Endian  string        `yaml:"endian"`
	Serial  SerialProfile `yaml:"serial"`
}

type SerialProfile struct {
	BaudRate int    `yaml:"baudrate"`
	DataBits int    `yaml:"data_bits"`
	Parity   string `yaml:"parity"` // none/even/odd
	StopBits int    `yaml:"stop_bits"`
}

// StorageConfig names where read results go when --influx is set.
type StorageConfig struct {
	Influxdb2 Influxdb2Config `yaml:"influxdb2"`
}

type Influxdb2Config struct {
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrUsage, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("%w: parsing %s: %v", ErrUsage, path, err)
	}
	return p, nil
}

// Apply copies profile settings into cfg for every flag that was not set on
// the command line or through the environment. isSet reports that by flag name.
func (p Profile) Apply(cfg *Config, isSet func(name string) bool) error {
	conn := p.Connection
	if conn.Comm != "" && !isSet("comm") {
		c, err := ParseComm(conn.Comm)
		if err != nil {
			return err
		}
		cfg.Comm = c
	}
	if conn.Host != "" && !isSet("host") {
		cfg.Host = conn.Host
	}
	if conn.Port != "" && !isSet("port") {
		cfg.Port = conn.Port
	}
	if conn.SlaveID != nil && !isSet("slave-id") {
		if *conn.SlaveID < 0 || *conn.SlaveID > MaxSlaveID {
			return fmt.Errorf("%w: connection.slave_id must be between 0 and %d", ErrUsage, MaxSlaveID)
		}
		cfg.SlaveID = uint8(*conn.SlaveID)
	}
	if conn.Timeout != "" && !isSet("timeout") {
		d, err := time.ParseDuration(conn.Timeout)
		if err != nil {
			return fmt.Errorf("%w: connection.timeout: %v", ErrUsage, err)
		}
		cfg.Timeout = d
	}
	if conn.Endian != "" && !isSet("endian") {
		o, err := ParseOrdering(conn.Endian)
		if err != nil {
			return err
		}
		cfg.Ordering = o
	}

	ser := conn.Serial
	if ser.BaudRate != 0 && !isSet("baudrate") {
		cfg.Serial.BaudRate = ser.BaudRate
	}
	if ser.DataBits != 0 && !isSet("data-bits") {
		cfg.Serial.DataBits = ser.DataBits
	}
	if ser.Parity != "" && !isSet("parity") {
		parity, err := ParseParity(ser.Parity)
		if err != nil {
			return err
		}
		cfg.Serial.Parity = parity
	}
	if ser.StopBits != 0 && !isSet("stop-bits") {
		cfg.Serial.StopBits = ser.StopBits
	}

	if b := p.Storage.Influxdb2.Bucket; b != "" {
		cfg.Storage.Influxdb2.Bucket = b
	}
	if m := p.Storage.Influxdb2.Measurement; m != "" {
		cfg.Storage.Influxdb2.Measurement = m
	}
	return nil
}
