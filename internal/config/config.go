package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/itchyny/timefmt-go"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/route-beacon/rib-replay/internal/bgp"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	Replay    ReplayConfig    `koanf:"replay"`
	Archive   ArchiveConfig   `koanf:"archive"`
	Output    OutputConfig    `koanf:"output"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Retention RetentionConfig `koanf:"retention"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type ReplayConfig struct {
	// TimeFmt is a strftime layout used for DateRange and output file names.
	TimeFmt string `koanf:"time_fmt"`
	// DateRange is "start,end", both inclusive.
	DateRange string `koanf:"date_range"`
	// OutputFilename names the run and its directory under OutputDir.
	OutputFilename     string   `koanf:"output_filename"`
	OutputDir          string   `koanf:"output_dir"`
	IntervalSeconds    int      `koanf:"interval"`
	Collectors         []string `koanf:"collectors"`
	PeerASNs           []string `koanf:"peer_asns"`
	PeerIPs            []string `koanf:"peer_ips"`
	Compare            bool     `koanf:"compare"`
	IgnoreUnknownPeers bool     `koanf:"ignore_unknown_peers"`
}

type ArchiveConfig struct {
	CacheDir           string `koanf:"cache_dir"`
	BGPDumpPath        string `koanf:"bgpdump_path"`
	DownloadWorkers    int    `koanf:"download_workers"`
	RISBaseURL         string `koanf:"ris_base_url"`
	RouteViewsBaseURL  string `koanf:"routeviews_base_url"`
	HTTPTimeoutSeconds int    `koanf:"http_timeout_seconds"`
}

type OutputConfig struct {
	Compress bool `koanf:"compress"`
}

type PostgresConfig struct {
	Enabled       bool   `koanf:"enabled"`
	DSN           string `koanf:"dsn"`
	MaxConns      int32  `koanf:"max_conns"`
	MinConns      int32  `koanf:"min_conns"`
	// MigrationsDir defaults to "migrations" next to the binary.
	MigrationsDir string `koanf:"migrations_dir"`
}

type KafkaConfig struct {
	Enabled  bool       `koanf:"enabled"`
	Brokers  []string   `koanf:"brokers"`
	ClientID string     `koanf:"client_id"`
	Topic    string     `koanf:"topic"`
	TLS      TLSConfig  `koanf:"tls"`
	SASL     SASLConfig `koanf:"sasl"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type RetentionConfig struct {
	Days int `koanf:"days"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "rib-replay-1",
			HTTPListen:             "",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Replay: ReplayConfig{
			TimeFmt:            "%Y%m%d.%H%M",
			DateRange:          "20100901.0000,20100901.0200",
			OutputFilename:     "default_conf",
			OutputDir:          "./output",
			IntervalSeconds:    900,
			Collectors:         []string{"route-views.sydney", "route-views.wide"},
			IgnoreUnknownPeers: true,
		},
		Archive: ArchiveConfig{
			CacheDir:           "./cache",
			BGPDumpPath:        "bgpdump",
			DownloadWorkers:    4,
			HTTPTimeoutSeconds: 600,
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
			MinConns: 1,
		},
		Kafka: KafkaConfig{
			ClientID: "rib-replay",
			Topic:    "rib-replay.snapshots",
		},
		Retention: RetentionConfig{
			Days: 30,
		},
	}
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: RIB_REPLAY_REPLAY__DATE_RANGE → replay.date_range
	if err := k.Load(env.Provider("RIB_REPLAY_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "RIB_REPLAY_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.Replay.Collectors = splitList(cfg.Replay.Collectors)
	cfg.Replay.PeerASNs = splitList(cfg.Replay.PeerASNs)
	cfg.Replay.PeerIPs = splitList(cfg.Replay.PeerIPs)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func splitList(v []string) []string {
	if len(v) == 1 && strings.Contains(v[0], ",") {
		return strings.Split(v[0], ",")
	}
	return v
}

func (c *Config) Validate() error {
	if len(c.Replay.Collectors) == 0 {
		return fmt.Errorf("config: replay.collectors is required")
	}
	seen := make(map[string]bool, len(c.Replay.Collectors))
	for _, rc := range c.Replay.Collectors {
		if seen[rc] {
			return fmt.Errorf("config: replay.collectors lists %q twice", rc)
		}
		seen[rc] = true
	}
	if c.Replay.TimeFmt == "" {
		return fmt.Errorf("config: replay.time_fmt is required")
	}
	if c.Replay.OutputFilename == "" {
		return fmt.Errorf("config: replay.output_filename is required")
	}
	if c.Replay.IntervalSeconds <= 0 {
		return fmt.Errorf("config: replay.interval must be > 0 (got %d)", c.Replay.IntervalSeconds)
	}
	if _, _, err := c.Replay.Range(); err != nil {
		return err
	}
	if _, _, err := c.Replay.Peers(); err != nil {
		return err
	}
	if c.Archive.DownloadWorkers <= 0 {
		return fmt.Errorf("config: archive.download_workers must be > 0 (got %d)", c.Archive.DownloadWorkers)
	}
	if c.Archive.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("config: archive.http_timeout_seconds must be > 0 (got %d)", c.Archive.HTTPTimeoutSeconds)
	}
	if c.Postgres.Enabled {
		if c.Postgres.DSN == "" {
			return fmt.Errorf("config: postgres.dsn is required when postgres is enabled")
		}
		if c.Postgres.MaxConns <= 0 {
			return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
		}
		if c.Postgres.MinConns < 0 {
			return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
		}
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("config: kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("config: kafka.topic is required when kafka is enabled")
		}
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}

// Range parses DateRange with TimeFmt. Times are UTC.
func (r *ReplayConfig) Range() (time.Time, time.Time, error) {
	parts := strings.Split(r.DateRange, ",")
	if len(parts) != 2 {
		return time.Time{}, time.Time{}, fmt.Errorf("config: replay.date_range must be \"start,end\" (got %q)", r.DateRange)
	}
	start, err := timefmt.Parse(strings.TrimSpace(parts[0]), r.TimeFmt)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("config: replay.date_range start: %w", err)
	}
	end, err := timefmt.Parse(strings.TrimSpace(parts[1]), r.TimeFmt)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("config: replay.date_range end: %w", err)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("config: replay.date_range ends before it starts")
	}
	return start.UTC(), end.UTC(), nil
}

func (r *ReplayConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// Peers parses the peer filter lists. Blank entries are ignored.
func (r *ReplayConfig) Peers() ([]netip.Addr, []uint32, error) {
	var ips []netip.Addr
	for _, s := range r.PeerIPs {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		ip, err := netip.ParseAddr(s)
		if err != nil {
			return nil, nil, fmt.Errorf("config: replay.peer_ips: %w", err)
		}
		ips = append(ips, ip.Unmap())
	}
	var asns []uint32
	for _, s := range r.PeerASNs {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		asn, err := bgp.ParseASN(s)
		if err != nil {
			return nil, nil, fmt.Errorf("config: replay.peer_asns: %w", err)
		}
		asns = append(asns, asn)
	}
	return ips, asns, nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
