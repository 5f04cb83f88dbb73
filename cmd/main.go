package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"modbus-rw/internal"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

const defaultEnvPath = ".env"

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	// .env has to be in the environment before flags read their EnvVars.
	envPath, explicit := envFileFromArgs(args)
	if err := internal.LoadEnv(envPath, explicit); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return internal.ExitUsage
	}

	code := internal.ExitOK
	app := newApp(func(c *cli.Context) error {
		code = action(c)
		return nil
	})
	if err := app.Run(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return internal.ExitUsage
	}
	return code
}

func newApp(act cli.ActionFunc) *cli.App {
	def := internal.DefaultConfig()
	return &cli.App{
		Name:            "modbus-rw",
		Usage:           "Modbus TCP/RTU client: read or write holding registers",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "YAML profile with connection and storage settings", EnvVars: []string{"MODBUS_CONFIG"}},
			&cli.StringFlag{Name: "env-file", Usage: "dotenv file loaded before anything else", Value: defaultEnvPath},
			&cli.StringFlag{Name: "comm", Usage: "communication type: tcp, rtu_tcp or serial", Value: string(def.Comm), EnvVars: []string{"MODBUS_COMM"}},
			&cli.StringFlag{Name: "host", Usage: "device host (tcp, rtu_tcp)", Value: def.Host, EnvVars: []string{"MODBUS_HOST"}},
			&cli.StringFlag{Name: "port", Usage: "TCP port, or serial device for serial", Value: def.Port, EnvVars: []string{"MODBUS_PORT"}},
			&cli.IntFlag{Name: "baudrate", Usage: "serial baud rate", Value: def.Serial.BaudRate, EnvVars: []string{"MODBUS_BAUDRATE"}},
			&cli.IntFlag{Name: "data-bits", Usage: "serial data bits", Value: def.Serial.DataBits},
			&cli.StringFlag{Name: "parity", Usage: "serial parity: none, even or odd", Value: "none"},
			&cli.IntFlag{Name: "stop-bits", Usage: "serial stop bits", Value: def.Serial.StopBits},
			&cli.DurationFlag{Name: "timeout", Usage: "request timeout", Value: def.Timeout, EnvVars: []string{"MODBUS_TIMEOUT"}},
			&cli.StringFlag{Name: "slave-id", Usage: "unit/slave identifier", Value: "1", EnvVars: []string{"MODBUS_SLAVE_ID"}},
			&cli.StringFlag{Name: "address", Usage: "register address (decimal or 0x hex)", Value: "0"},
			&cli.StringFlag{Name: "count", Usage: "number of registers to read", Value: "1"},
			&cli.StringFlag{Name: "value", Usage: "value for a single register write"},
			&cli.StringFlag{Name: "values", Usage: "comma separated values for a multiple register write"},
			&cli.StringFlag{Name: "endian", Usage: "byte order: big, little or mixed", Value: string(def.Ordering), EnvVars: []string{"MODBUS_ENDIAN"}},
			&cli.StringFlag{Name: "register-type", Usage: "register type (only holding is implemented)", Value: def.RegisterType},
			&cli.StringFlag{Name: "function", Usage: "read or write", Value: def.Function},
			&cli.StringFlag{Name: "function-code-write", Usage: "0x06 (single register) or 0x10 (multiple registers)", Value: def.WriteCode},
			&cli.BoolFlag{Name: "influx", Usage: "store read values in InfluxDB (INFLUX_HOST, INFLUX_TOKEN, INFLUX_ORG)"},
			&cli.StringFlag{Name: "log", Usage: "log level: debug, info, warning, error or critical", Value: "warning", EnvVars: []string{"MODBUS_LOG"}},
		},
		Action: act,
	}
}

func action(c *cli.Context) int {
	level, err := internal.ParseLogLevel(c.String("log"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return internal.ExitUsage
	}

	cfg, err := resolveConfig(c)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return internal.ExitUsage
	}

	runID := uuid.New().String()
	logger := internal.NewLogger(os.Stderr, level).With().
		Str("run", runID).
		Str("comm", string(cfg.Comm)).
		Str("target", cfg.Target()).
		Logger()

	var opts []internal.RunnerOption
	if cfg.Influx {
		sink, err := internal.NewInfluxSink(internal.InfluxEnvFromOS(), cfg.Storage.Influxdb2, map[string]string{
			"host": cfg.Target(),
			"comm": string(cfg.Comm),
			"run":  runID,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return internal.ExitUsage
		}
		defer sink.Close()
		opts = append(opts, internal.WithSink(sink))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	begin := time.Now()
	err = internal.NewRunner(cfg, internal.NewClient, os.Stdout, logger, opts...).Run(ctx)
	logger.Debug().Dur("took", time.Since(begin)).Msg("done")
	if err != nil && internal.ExitCode(err) == internal.ExitUsage {
		fmt.Fprintln(os.Stderr, err)
	}
	return internal.ExitCode(err)
}

// resolveConfig layers defaults, the YAML profile and explicit flags (or
// their env vars), in that order.
func resolveConfig(c *cli.Context) (internal.Config, error) {
	cfg := internal.DefaultConfig()
	if path := c.String("config"); path != "" {
		profile, err := internal.LoadProfile(path)
		if err != nil {
			return cfg, err
		}
		if err := profile.Apply(&cfg, c.IsSet); err != nil {
			return cfg, err
		}
	}

	var err error
	if c.IsSet("comm") {
		if cfg.Comm, err = internal.ParseComm(c.String("comm")); err != nil {
			return cfg, err
		}
	}
	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Port = c.String("port")
	}
	if c.IsSet("timeout") {
		cfg.Timeout = c.Duration("timeout")
	}
	if c.IsSet("baudrate") {
		cfg.Serial.BaudRate = c.Int("baudrate")
	}
	if c.IsSet("data-bits") {
		cfg.Serial.DataBits = c.Int("data-bits")
	}
	if c.IsSet("parity") {
		if cfg.Serial.Parity, err = internal.ParseParity(c.String("parity")); err != nil {
			return cfg, err
		}
	}
	if c.IsSet("stop-bits") {
		cfg.Serial.StopBits = c.Int("stop-bits")
	}
	if c.IsSet("slave-id") {
		if cfg.SlaveID, err = internal.ParseSlaveID(c.String("slave-id")); err != nil {
			return cfg, err
		}
	}
	if c.IsSet("endian") {
		if cfg.Ordering, err = internal.ParseOrdering(c.String("endian")); err != nil {
			return cfg, err
		}
	}

	if cfg.Address, err = internal.ParseUint16(c.String("address")); err != nil {
		return cfg, err
	}
	if cfg.Count, err = internal.ParseUint16(c.String("count")); err != nil {
		return cfg, err
	}
	if c.IsSet("value") {
		if cfg.Value, err = internal.ParseUint16(c.String("value")); err != nil {
			return cfg, err
		}
		cfg.HasValue = true
	}
	if c.IsSet("values") {
		if cfg.Values, err = internal.ParseValues(c.String("values")); err != nil {
			return cfg, err
		}
	}
	cfg.RegisterType = strings.ToLower(c.String("register-type"))
	cfg.Function = strings.ToLower(c.String("function"))
	cfg.WriteCode = strings.ToLower(c.String("function-code-write"))
	cfg.Influx = c.Bool("influx")

	return cfg, cfg.Validate()
}

// envFileFromArgs finds --env-file ahead of flag parsing. The second result
// reports whether the path was given explicitly.
func envFileFromArgs(args []string) (string, bool) {
	for i, a := range args {
		for _, name := range []string{"--env-file", "-env-file"} {
			if a == name && i+1 < len(args) {
				return args[i+1], true
			}
			if v, ok := strings.CutPrefix(a, name+"="); ok {
				return v, true
			}
		}
	}
	return defaultEnvPath, false
}
