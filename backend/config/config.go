// Package config assembles the process configuration from defaults, an
// optional YAML file, VOYEURS_* environment variables and command line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/adwski/voyeurs/backend/model"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	TransportTCP       = "tcp"
	TransportWebsocket = "ws"

	envPrefix = "VOYEURS_"

	flagServe           = "serve"
	flagAcceptSource    = "accept-source"
	flagUsername        = "username"
	flagStandalone      = "standalone"
	flagTrustSystemTime = "trust-system-time"
	flagNTPServer       = "ntp-server"
	flagTransport       = "transport"
	flagStatusAddr      = "status-addr"
	flagLogLevel        = "log-level"
	flagPlayer          = "player"
	flagConfig          = "config"

	keyAddress    = "address"
	keyPlayerArgs = "player-args"
)

var (
	ErrHelp    = pflag.ErrHelp
	ErrUsage   = errors.New("usage error")
	ErrInvalid = errors.New("invalid configuration")
)

type (
	Config struct {
		Address         string
		PlayerArgs      []string
		Username        string
		NTPServer       string
		Transport       string
		StatusAddr      string
		LogLevel        string
		Player          string
		ConfigFile      string
		Serve           bool
		AcceptSource    bool
		Standalone      bool
		TrustSystemTime bool
	}

	// Source is where Load reads from.
	Source struct {
		LookupEnv func(key string) (string, bool)
		Output    io.Writer
		Args      []string
	}
)

// Settings returns the part of the configuration the sync engine works with.
func (c *Config) Settings() model.Settings {
	return model.Settings{
		Username:     c.Username,
		Hub:          c.Serve,
		AcceptSource: c.AcceptSource,
		Standalone:   c.Standalone,
	}
}

func Load(src Source) (*Config, error) {
	if src.LookupEnv == nil {
		src.LookupEnv = os.LookupEnv
	}
	if src.Output == nil {
		src.Output = os.Stderr
	}

	cfg := &Config{}
	fs := pflag.NewFlagSet("voyeurs", pflag.ContinueOnError)
	fs.SetOutput(src.Output)
	fs.SetInterspersed(false)
	fs.Usage = func() {
		_, _ = fmt.Fprintln(src.Output, "Usage: voyeurs [flags] <address> [player args...]")
		fs.PrintDefaults()
	}

	fs.BoolVarP(&cfg.Serve, flagServe, "s", false, "become the hub, if not set you are a client")
	fs.BoolVarP(&cfg.AcceptSource, flagAcceptSource, "a", false, "play back the stream the hub is playing")
	fs.StringVarP(&cfg.Username, flagUsername, "u", "user", "username sent to the hub")
	fs.BoolVar(&cfg.Standalone, flagStandalone, false, "mirror pause state without waiting for everybody to be ready")
	fs.BoolVarP(&cfg.TrustSystemTime, flagTrustSystemTime, "t", false, "use system time instead of ntp (not recommended)")
	fs.StringVar(&cfg.NTPServer, flagNTPServer, "pool.ntp.org", "address of the ntp server")
	fs.StringVar(&cfg.Transport, flagTransport, TransportTCP, "peer transport: tcp or ws")
	fs.StringVar(&cfg.StatusAddr, flagStatusAddr, "", "serve room status on this address, disabled if empty")
	fs.StringVarP(&cfg.LogLevel, flagLogLevel, "l", "info", "log level")
	fs.StringVar(&cfg.Player, flagPlayer, "mpv", "player binary")
	fs.StringVar(&cfg.ConfigFile, flagConfig, "", "yaml config file")

	if err := fs.Parse(src.Args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, errors.Join(ErrUsage, err)
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *pflag.Flag) {
		explicit[f.Name] = true
	})

	if err := applyEnv(fs, src.LookupEnv); err != nil {
		return nil, err
	}

	if pos := fs.Args(); len(pos) > 0 {
		cfg.Address = pos[0]
		cfg.PlayerArgs = pos[1:]
	}
	if cfg.ConfigFile != "" {
		if err := applyFile(fs, cfg, cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(explicit); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv sets every flag not given on the command line from its
// VOYEURS_<FLAG_NAME> variable.
func applyEnv(fs *pflag.FlagSet, lookup func(string) (string, bool)) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		v, ok := lookup(key)
		if !ok {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	})
	if len(errs) > 0 {
		return errors.Join(ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// applyFile fills in what neither flags nor environment set. Keys are the
// long flag names plus address and player-args.
func applyFile(fs *pflag.FlagSet, cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Join(ErrInvalid, err)
	}
	var values map[string]yaml.Node
	if err = yaml.Unmarshal(b, &values); err != nil {
		return errors.Join(ErrInvalid, fmt.Errorf("%s: %w", path, err))
	}

	var errs []error
	for key, node := range values {
		switch key {
		case keyAddress:
			if cfg.Address == "" {
				errs = append(errs, node.Decode(&cfg.Address))
			}
			continue
		case keyPlayerArgs:
			if len(cfg.PlayerArgs) == 0 {
				errs = append(errs, node.Decode(&cfg.PlayerArgs))
			}
			continue
		case flagConfig:
			errs = append(errs, fmt.Errorf("%s cannot be set from a config file", key))
			continue
		}

		f := fs.Lookup(key)
		if f == nil {
			errs = append(errs, fmt.Errorf("unknown key %q", key))
			continue
		}
		if f.Changed {
			continue
		}
		if node.Kind != yaml.ScalarNode {
			errs = append(errs, fmt.Errorf("%s: scalar value expected", key))
			continue
		}
		if err = fs.Set(key, node.Value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if err = errors.Join(errs...); err != nil {
		return errors.Join(ErrInvalid, fmt.Errorf("%s: %w", path, err))
	}
	return nil
}

func (c *Config) validate(explicit map[string]bool) error {
	var errs []error
	if c.Address == "" {
		errs = append(errs, errors.New("address is required"))
	}
	if c.Serve && c.AcceptSource {
		errs = append(errs, errors.New("--serve and --accept-source are mutually exclusive"))
	}
	if explicit[flagNTPServer] && explicit[flagTrustSystemTime] {
		errs = append(errs, errors.New("--ntp-server conflicts with --trust-system-time"))
	}
	if !model.ValidUsername(c.Username) {
		errs = append(errs, fmt.Errorf("username %q must be alphanumeric", c.Username))
	}
	if c.Transport != TransportTCP && c.Transport != TransportWebsocket {
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Player == "" {
		errs = append(errs, errors.New("player binary is required"))
	}
	if len(errs) > 0 {
		return errors.Join(ErrInvalid, errors.Join(errs...))
	}
	return nil
}
