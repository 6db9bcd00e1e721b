package commands

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	stdslog "log/slog"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/surfcache"
	"github.com/unkn0wn-root/surfcache/codec"
	"github.com/unkn0wn-root/surfcache/diskstore"
	asynchook "github.com/unkn0wn-root/surfcache/hooks/async"
	lr "github.com/unkn0wn-root/surfcache/log/logrus"
	ls "github.com/unkn0wn-root/surfcache/log/slog"
	lz "github.com/unkn0wn-root/surfcache/log/zap"
	"github.com/unkn0wn-root/surfcache/otelhooks"
	"github.com/unkn0wn-root/surfcache/provider"
	"github.com/unkn0wn-root/surfcache/provider/bigcache"
	"github.com/unkn0wn-root/surfcache/provider/ristretto"
	"github.com/unkn0wn-root/surfcache/sloghooks"
	"github.com/unkn0wn-root/surfcache/surface"
)

// DefaultConfigFile is read when --config is not given and the file exists.
const DefaultConfigFile = "surfcache.yaml"

// Config is the YAML configuration of the CLI.
type Config struct {
	// Dir is the diskstore root. Empty keeps everything in memory.
	Dir        string  `yaml:"dir"`
	Codec      string  `yaml:"codec"`
	CapacityMB int64   `yaml:"capacity_mb"`
	Workers    int     `yaml:"workers"`
	TileRows   int     `yaml:"tile_rows"`
	Quantum    float64 `yaml:"quantum"`

	Log   LogConfig   `yaml:"log"`
	Tier  TierConfig  `yaml:"tier"`
	Hooks HooksConfig `yaml:"hooks"`
}

type LogConfig struct {
	Backend string `yaml:"backend"` // slog | zap | logrus
	Level   string `yaml:"level"`   // debug | info | warn | error
}

type TierConfig struct {
	Kind  string        `yaml:"kind"` // none | ristretto | bigcache
	MaxMB int64         `yaml:"max_mb"`
	TTL   time.Duration `yaml:"ttl"`
}

type HooksConfig struct {
	Log      bool   `yaml:"log"`
	HitEvery uint64 `yaml:"hit_every"`
	Async    bool   `yaml:"async"`
	Metrics  bool   `yaml:"metrics"`
}

// DefaultConfig is what an empty file means.
func DefaultConfig() Config {
	return Config{
		Codec:      "cbor",
		CapacityMB: 256,
		TileRows:   8,
		Quantum:    surfcache.DefaultQuantum,
		Log:        LogConfig{Backend: "slog", Level: "warn"},
		Tier:       TierConfig{Kind: "none", MaxMB: 64, TTL: 10 * time.Minute},
	}
}

// LoadConfig reads path over DefaultConfig. A missing file is only an error
// when required is set.
func LoadConfig(path string, required bool) (Config, error) {
	cfg := DefaultConfig()
	//nolint:gosec // path is chosen by the user
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if _, err := codec.ByName[surfcache.Grid](c.Codec); err != nil {
		return err
	}
	switch c.Log.Backend {
	case "", "slog", "zap", "logrus":
	default:
		return fmt.Errorf("log.backend: unknown backend %q", c.Log.Backend)
	}
	switch c.Tier.Kind {
	case "", "none", "ristretto", "bigcache":
	default:
		return fmt.Errorf("tier.kind: unknown tier %q", c.Tier.Kind)
	}
	if c.Workers < 0 || c.TileRows < 0 || c.CapacityMB < 0 {
		return errors.New("workers, tile_rows and capacity_mb must not be negative")
	}
	return nil
}

// components is everything a command needs to build a cache.
type components struct {
	opts    surfcache.Options
	disk    *diskstore.Store
	slog    *stdslog.Logger
	closers []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// build turns cfg into cache options. meter may be nil.
func (cfg Config) build(stderr io.Writer, meter metric.Meter) (*components, error) {
	comp := &components{}
	log, slogger, flush, err := cfg.logger(stderr)
	if err != nil {
		return nil, err
	}
	comp.slog = slogger
	comp.closers = append(comp.closers, flush)

	cd, err := codec.ByName[surfcache.Grid](cfg.Codec)
	if err != nil {
		return nil, err
	}

	comp.opts = surfcache.Options{
		Functions:     surface.Functions(),
		Codec:         cd,
		Capacity:      cfg.CapacityMB << 20,
		Workers:       cfg.Workers,
		TileRows:      cfg.TileRows,
		Normalization: surfcache.Normalization{Quantum: cfg.Quantum},
		Logger:        log,
		TierTTL:       cfg.Tier.TTL,
	}

	if cfg.Dir != "" {
		ds, err := diskstore.Open(diskstore.Options{Root: cfg.Dir, Logger: log})
		if err != nil {
			return nil, err
		}
		comp.disk = ds
		comp.opts.Backend = ds
	}

	tier, err := cfg.tier()
	if err != nil {
		return nil, err
	}
	comp.opts.Tier = tier

	var hooks []surfcache.Hooks
	if cfg.Hooks.Log {
		hooks = append(hooks, sloghooks.New(slogger, sloghooks.Options{HitEvery: cfg.Hooks.HitEvery}))
	}
	if meter != nil {
		oh, err := otelhooks.New(meter)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, oh)
	}
	h := surfcache.JoinHooks(hooks...)
	if cfg.Hooks.Async && len(hooks) > 0 {
		ah := asynchook.New(h, 1, 1024)
		comp.closers = append(comp.closers, ah.Close)
		h = ah
	}
	comp.opts.Hooks = h
	return comp, nil
}

func (cfg Config) tier() (provider.Provider, error) {
	maxBytes := cfg.Tier.MaxMB << 20
	switch cfg.Tier.Kind {
	case "ristretto":
		p, err := ristretto.New(ristretto.Config{MaxBytes: maxBytes})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "bigcache":
		p, err := bigcache.New(bigcache.Config{
			LifeWindow: cfg.Tier.TTL,
			MaxMB:      int(cfg.Tier.MaxMB),
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, nil
	}
}

// logger returns the configured surfcache logger, a slog logger for hooks and
// a flush func.
func (cfg Config) logger(stderr io.Writer) (surfcache.Logger, *stdslog.Logger, func(), error) {
	var lvl stdslog.Level
	if err := lvl.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return nil, nil, nil, fmt.Errorf("log.level: %w", err)
	}
	slogger := stdslog.New(stdslog.NewTextHandler(stderr, &stdslog.HandlerOptions{Level: lvl}))

	switch cfg.Log.Backend {
	case "zap":
		zl := zap.New(zapcore.NewCore(
			zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
			zapcore.AddSync(stderr),
			zapLevel(lvl),
		))
		return lz.New(zl), slogger, func() { _ = zl.Sync() }, nil
	case "logrus":
		l := logrus.New()
		l.SetOutput(stderr)
		l.SetLevel(logrusLevel(lvl))
		return lr.New(l), slogger, func() {}, nil
	default:
		return ls.New(slogger), slogger, func() {}, nil
	}
}

func zapLevel(l stdslog.Level) zapcore.Level {
	switch {
	case l <= stdslog.LevelDebug:
		return zapcore.DebugLevel
	case l <= stdslog.LevelInfo:
		return zapcore.InfoLevel
	case l <= stdslog.LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

func logrusLevel(l stdslog.Level) logrus.Level {
	switch {
	case l <= stdslog.LevelDebug:
		return logrus.DebugLevel
	case l <= stdslog.LevelInfo:
		return logrus.InfoLevel
	case l <= stdslog.LevelWarn:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}
