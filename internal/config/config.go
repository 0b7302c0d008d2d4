// Package config loads relyd's configuration from CLI flags via
// koanf+pflag, the same two-step parse-then-load shape as the teacher's
// core/config.go: register a pflag.FlagSet, parse argv, then export the
// parsed flags into a koanf.Koanf so every other package reads config
// through one typed accessor instead of threading *pflag.FlagSet around.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// Config is the fully-resolved set of values the validator and RTR server
// run with (spec §1 Configuration).
type Config struct {
	MirrorDir      string        // root of the local rsync/RRDP mirror
	TALDir         string        // directory of .tal files to load
	RTRAddr        string        // RTR listen address, e.g. ":323"
	RTRMD5         string        // optional TCP MD5 password for the RTR listener
	RTRQueryRate   float64       // per-client RTR queries/sec, 0 disables
	RTRIdleTimeout time.Duration // per-client idle read timeout, 0 disables
	Retention      uint32        // W: retained delta history window, in serials
	CycleInterval  time.Duration // time between validation cycles
	CycleDeadline  time.Duration // per-cycle hard deadline
	SLURMPath      string        // optional SLURM JSON file, empty disables
	AccountingPath string        // optional accounting log path, empty disables
	MetricsAddr    string        // optional HTTP listen address for /metrics, /status
	EventsEnabled  bool          // serve a debug /events WebSocket stream on MetricsAddr
	LogLevel       string        // zerolog level name
}

// Load parses args (normally os.Args[1:]) and returns the resolved Config.
func Load(args []string) (Config, error) {
	f := pflag.NewFlagSet("relyd", pflag.ContinueOnError)
	f.SortFlags = false
	f.Usage = func() { usage(f) }

	f.String("mirror-dir", "/var/lib/relyd/mirror", "local RPKI repository mirror directory")
	f.String("tal-dir", "/etc/relyd/tals", "directory of .tal trust anchor locator files")
	f.String("rtr-addr", ":323", "RTR server listen address")
	f.String("rtr-md5", "", "TCP MD5 password for the RTR listener (disabled if empty)")
	f.Float64("rtr-query-rate", 10, "per-client RTR query rate limit, queries/sec (0 disables)")
	f.Duration("rtr-idle-timeout", 10*time.Minute, "per-client RTR idle read timeout (0 disables)")
	f.Uint32("retention", 100, "retained delta history window W, in serials")
	f.Duration("cycle-interval", 10*time.Minute, "time between validation cycles")
	f.Duration("cycle-deadline", 8*time.Minute, "per-cycle hard deadline")
	f.String("slurm", "", "SLURM JSON local policy file (disabled if empty)")
	f.String("accounting", "", "accounting log path (disabled if empty)")
	f.String("metrics-addr", "", "HTTP listen address for /metrics and /status (disabled if empty)")
	f.Bool("events", false, "serve a debug /events WebSocket stream on --metrics-addr")
	f.StringP("log", "l", "info", "log level (debug/info/warn/error/disabled)")

	if err := f.Parse(args); err != nil {
		return Config{}, err
	}

	k := koanf.New(".")
	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if ll := k.String("log"); ll != "" {
		if _, err := zerolog.ParseLevel(ll); err != nil {
			return Config{}, fmt.Errorf("config: invalid --log level %q: %w", ll, err)
		}
	}

	cfg := Config{
		MirrorDir:      k.String("mirror-dir"),
		TALDir:         k.String("tal-dir"),
		RTRAddr:        k.String("rtr-addr"),
		RTRMD5:         k.String("rtr-md5"),
		RTRQueryRate:   k.Float64("rtr-query-rate"),
		RTRIdleTimeout: k.Duration("rtr-idle-timeout"),
		Retention:      uint32(k.Int64("retention")),
		CycleInterval:  k.Duration("cycle-interval"),
		CycleDeadline:  k.Duration("cycle-deadline"),
		SLURMPath:      k.String("slurm"),
		AccountingPath: k.String("accounting"),
		MetricsAddr:    k.String("metrics-addr"),
		EventsEnabled:  k.Bool("events"),
		LogLevel:       k.String("log"),
	}

	if cfg.MirrorDir == "" {
		return Config{}, fmt.Errorf("config: --mirror-dir is required")
	}
	if cfg.TALDir == "" {
		return Config{}, fmt.Errorf("config: --tal-dir is required")
	}
	if cfg.CycleDeadline > cfg.CycleInterval && cfg.CycleInterval > 0 {
		return Config{}, fmt.Errorf("config: --cycle-deadline (%s) exceeds --cycle-interval (%s)", cfg.CycleDeadline, cfg.CycleInterval)
	}

	return cfg, nil
}

func usage(f *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: relyd [OPTIONS]\n\nOptions:\n")
	f.PrintDefaults()
}
