package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "MEMALIGN"

// config holds the resolved diagnostic settings.
type config struct {
	Alignments []int
	Sizes      []int
	Heap       string
	Skew       int
	Budget     int64
	GoLimit    int64
	Guard      bool
	Track      bool
	LogLevel   string
	Metrics    bool
}

var (
	defaultAlignments = []string{"1", "2", "4", "8", "16", "32", "64", "4096"}
	defaultSizes      = []string{"1", "7", "100", "1000", "1035"}
)

func setupFlags(flags *pflag.FlagSet) {
	flags.StringSlice("alignment", defaultAlignments, "alignments to sweep (powers of two)")
	flags.StringSlice("size", defaultSizes, "sizes to sweep, plain bytes or with a unit such as 4KB")
	flags.String("heap", "go", "underlying heap: go or mmap")
	flags.Int("skew", 0, "shift every raw block forward by this many bytes")
	flags.String("budget", "0", "cap on outstanding raw bytes such as 64KB (0 disables)")
	flags.String("go-limit", "0", "largest single request of the go heap such as 1GB (0 selects the default)")
	flags.Bool("guard", false, "store a canary in every header")
	flags.Bool("track", true, "record live allocations and validate them")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.Bool("metrics", false, "print allocator metrics after the run")
}

func setupDefaults(v *viper.Viper) {
	v.SetDefault("alignment", defaultAlignments)
	v.SetDefault("size", defaultSizes)
	v.SetDefault("heap", "go")
	v.SetDefault("skew", 0)
	v.SetDefault("budget", "0")
	v.SetDefault("go-limit", "0")
	v.SetDefault("guard", false)
	v.SetDefault("track", true)
	v.SetDefault("log-level", "info")
	v.SetDefault("metrics", false)
}

// bindConfig wires flags, environment and an optional config file into v.
// Flags take precedence over environment variables, which take precedence
// over the config file.
func bindConfig(v *viper.Viper, cmd *cobra.Command, cfgFile string) error {
	setupDefaults(v)
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "reading config %s", cfgFile)
		}
	}
	return nil
}

func parseConfig(v *viper.Viper) (*config, error) {
	cfg := &config{
		Heap:     strings.ToLower(v.GetString("heap")),
		Skew:     v.GetInt("skew"),
		Guard:    v.GetBool("guard"),
		Track:    v.GetBool("track"),
		LogLevel: strings.ToLower(v.GetString("log-level")),
		Metrics:  v.GetBool("metrics"),
	}

	for _, s := range splitList(v.GetStringSlice("alignment")) {
		a, err := strconv.Atoi(s)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid alignment %q", s)
		}
		cfg.Alignments = append(cfg.Alignments, a)
	}

	for _, s := range splitList(v.GetStringSlice("size")) {
		n, err := parseSize(s)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid size %q", s)
		}
		cfg.Sizes = append(cfg.Sizes, int(n))
	}

	budget, err := parseSize(v.GetString("budget"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid budget %q", v.GetString("budget"))
	}
	cfg.Budget = int64(budget)

	goLimit, err := parseSize(v.GetString("go-limit"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid go heap limit %q", v.GetString("go-limit"))
	}
	cfg.GoLimit = int64(goLimit)

	switch cfg.Heap {
	case "go", "mmap":
	default:
		return nil, errors.Errorf("unknown heap %q", cfg.Heap)
	}
	if cfg.Skew < 0 {
		return nil, errors.Errorf("skew must not be negative, got %d", cfg.Skew)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, errors.Errorf("unknown log level %q", cfg.LogLevel)
	}
	return cfg, nil
}

func parseSize(s string) (uint64, error) {
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return size.Bytes(), nil
}

// splitList flattens comma separated entries, which is how list values
// arrive from environment variables.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (c *config) String() string {
	return fmt.Sprintf("heap=%s skew=%d budget=%d guard=%v track=%v", c.Heap, c.Skew, c.Budget, c.Guard, c.Track)
}
