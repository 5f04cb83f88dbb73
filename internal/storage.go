package internal

import (
	"context"
	"fmt"
	"os"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Sink receives the values of a successful read.
type Sink interface {
	Store(ctx context.Context, req Request, values []uint16, ts time.Time) error
	Close()
}

// InfluxEnv holds the InfluxDB connection settings kept out of the YAML
// profile, normally provided through the .env file.
type InfluxEnv struct {
	Host  string
	Token string
	Org   string
}

func InfluxEnvFromOS() InfluxEnv {
	return InfluxEnv{
		Host:  os.Getenv("INFLUX_HOST"),
		Token: os.Getenv("INFLUX_TOKEN"),
		Org:   os.Getenv("INFLUX_ORG"),
	}
}

// InfluxSink writes one point per register read.
type InfluxSink struct {
	client      influxdb2.Client
	org         string
	bucket      string
	measurement string
	tags        map[string]string
}

func NewInfluxSink(env InfluxEnv, storage Influxdb2Config, tags map[string]string) (*InfluxSink, error) {
	if env.Host == "" {
		return nil, fmt.Errorf("%w: INFLUX_HOST is empty", ErrUsage)
	}
	if env.Org == "" {
		return nil, fmt.Errorf("%w: INFLUX_ORG is empty", ErrUsage)
	}
	if storage.Bucket == "" {
		return nil, fmt.Errorf("%w: storage.influxdb2.bucket is empty", ErrUsage)
	}
	measurement := storage.Measurement
	if measurement == "" {
		measurement = "holding_registers"
	}
	return &InfluxSink{
		client:      influxdb2.NewClient(env.Host, env.Token),
		org:         env.Org,
		bucket:      storage.Bucket,
		measurement: measurement,
		tags:        tags,
	}, nil
}

// Store pings the server first and writes nothing when it is not reachable.
func (s *InfluxSink) Store(ctx context.Context, req Request, values []uint16, ts time.Time) error {
	if len(values) == 0 {
		return nil
	}
	ok, err := s.client.Ping(ctx)
	if err != nil || !ok {
		return fmt.Errorf("influxdb not reachable: %v", err)
	}
	points := RegisterPoints(s.measurement, s.tags, req, values, ts)
	if err := s.client.WriteAPIBlocking(s.org, s.bucket).WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("writing to influxdb: %w", err)
	}
	return nil
}

func (s *InfluxSink) Close() { s.client.Close() }

// RegisterPoints builds one point per value, fielded as register_<address>.
func RegisterPoints(measurement string, tags map[string]string, req Request, values []uint16, ts time.Time) []*write.Point {
	points := make([]*write.Point, 0, len(values))
	for i, v := range values {
		pointTags := make(map[string]string, len(tags)+2)
		for k, t := range tags {
			pointTags[k] = t
		}
		pointTags["slave"] = fmt.Sprintf("%d", req.Unit)
		pointTags["endian"] = string(req.Ordering)

		field := fmt.Sprintf("register_%d", int(req.Address)+i)
		points = append(points, influxdb2.NewPoint(measurement, pointTags, map[string]any{field: int64(v)}, ts))
	}
	return points
}
