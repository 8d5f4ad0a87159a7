package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/robert-malhotra/go-memalign/memalign"
)

// rawSizes and scenarios reproduce the classic memalign demonstration.
var (
	rawSizes  = []uintptr{103, 1000, 7}
	scenarios = [][2]int{{8, 100}, {32, 1035}, {4, 8}}
)

func newRootCmd() (*cobra.Command, error) {
	var cfgFile string
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Exercise aligned allocations and report on their layout",
		Long: `Allocates raw and aligned blocks, sweeps alignments and sizes, checks every
result for alignment and validates the live set.

Settings can also be given through environment variables prefixed with
"MEMALIGN_", e.g. MEMALIGN_HEAP=mmap. Flags take precedence.`,
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindConfig(v, cmd, cfgFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := parseConfig(v)
			if err != nil {
				return err
			}
			logger := newLogger(os.Stderr, cfg.LogLevel)
			level.Debug(logger).Log("msg", "starting diagnostics", "config", cfg)
			return run(cfg, cmd.OutOrStdout(), logger)
		},
	}

	setupFlags(cmd.Flags())
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	return cmd, nil
}

func newLogger(w io.Writer, lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	return level.NewFilter(logger, opt)
}

func newHeap(cfg *config) memalign.Heap {
	var h memalign.Heap
	switch cfg.Heap {
	case "mmap":
		h = memalign.NewMmapHeap()
	default:
		h = memalign.NewGoHeap(cfg.GoLimit)
	}
	if cfg.Budget > 0 {
		h = memalign.NewBudgetHeap(h, cfg.Budget)
	}
	if cfg.Skew > 0 {
		h = memalign.NewSkewedHeap(h, cfg.Skew)
	}
	return h
}

func run(cfg *config, out io.Writer, logger log.Logger) error {
	reg := prometheus.NewRegistry()
	h := newHeap(cfg)

	opts := []memalign.Option{
		memalign.WithHeap(h),
		memalign.WithLogger(logger),
		memalign.WithRegisterer(reg),
	}
	if cfg.Guard {
		opts = append(opts, memalign.WithGuard())
	}
	if cfg.Track {
		opts = append(opts, memalign.WithTracking())
	}
	a := memalign.New(opts...)

	fmt.Fprintf(out, "=== Aligned allocation diagnostics (%s) ===\n\n", cfg)

	fmt.Fprintln(out, "Raw heap pointers, no alignment enforced:")
	var raw []unsafe.Pointer
	for _, n := range rawSizes {
		p := h.Allocate(n)
		if p == nil {
			level.Warn(logger).Log("msg", "raw allocation failed", "size", n)
			continue
		}
		raw = append(raw, p)
		fmt.Fprintf(out, "\t%d bytes at %p\n", n, p)
	}
	for _, p := range raw {
		h.Deallocate(p)
	}

	misaligned := 0
	for _, s := range scenarios {
		b, err := a.Allocate(s[0], s[1])
		if err != nil {
			return errors.Wrapf(err, "allocate(%d, %d)", s[0], s[1])
		}
		fmt.Fprintf(out, "aligned to %d: %p\n", s[0], b.Pointer())
		if b.Addr()%uintptr(s[0]) != 0 {
			misaligned++
		}
		if err := a.Release(b); err != nil {
			return err
		}
	}
	fmt.Fprintln(out)

	blocks, failed, n := sweep(a, cfg, out, logger)
	misaligned += n

	if err := a.Validate(); err != nil {
		return errors.Wrap(err, "validating live allocations")
	}
	for _, b := range blocks {
		if err := a.Release(b); err != nil {
			return err
		}
	}

	if a.Tracking() {
		stats := a.Stats()
		fmt.Fprintf(out, "\nAllocations: %d, released: %d, usable: %s, padding: %s, largest: %s\n",
			stats.TotalAllocations, stats.TotalReleases,
			humanize.IBytes(stats.TotalBytesAlloc), humanize.IBytes(stats.TotalPadding),
			humanize.IBytes(stats.LargestAlloc))
	}
	if failed > 0 {
		fmt.Fprintf(out, "Failed requests: %d\n", failed)
	}

	if cfg.Metrics {
		if err := dumpMetrics(reg, out); err != nil {
			return err
		}
	}

	if misaligned > 0 {
		return errors.Errorf("%d allocations were misaligned", misaligned)
	}
	return nil
}

// sweep allocates every alignment/size combination and keeps the blocks live
// so that they can be validated together.
func sweep(a *memalign.Allocator, cfg *config, out io.Writer, logger log.Logger) (blocks []*memalign.Block, failed, misaligned int) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"alignment", "size", "address", "offset", "reserve", "aligned"})
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)

	for _, alignment := range cfg.Alignments {
		for _, size := range cfg.Sizes {
			b, err := a.Allocate(alignment, size)
			if err != nil {
				failed++
				level.Info(logger).Log("msg", "allocation refused", "alignment", alignment, "size", size, "err", err)
				table.Append([]string{strconv.Itoa(alignment), humanize.IBytes(uint64(size)), "-", "-", "-", errors.Cause(err).Error()})
				continue
			}

			ok := b.Addr()%uintptr(alignment) == 0
			if !ok {
				misaligned++
			}
			reserve := memalign.HeaderReserve(alignment, a.Guarded())
			table.Append([]string{
				strconv.Itoa(alignment),
				humanize.IBytes(uint64(size)),
				fmt.Sprintf("0x%x", b.Addr()),
				strconv.Itoa(b.Offset()),
				humanize.IBytes(uint64(reserve)),
				strconv.FormatBool(ok),
			})
			blocks = append(blocks, b)
		}
	}

	table.Render()
	return blocks, failed, misaligned
}

func dumpMetrics(g prometheus.Gatherer, out io.Writer) error {
	families, err := g.Gather()
	if err != nil {
		return errors.Wrap(err, "gathering metrics")
	}
	fmt.Fprintln(out)
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
			return err
		}
	}
	return nil
}
