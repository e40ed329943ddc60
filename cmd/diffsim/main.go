package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/guptarohit/asciigraph"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/san-kum/diffsim/internal/config"
	"github.com/san-kum/diffsim/internal/experiment"
	"github.com/san-kum/diffsim/internal/metrics"
	"github.com/san-kum/diffsim/internal/storage"
	"github.com/san-kum/diffsim/internal/telemetry"
)

var (
	dataDir     string
	logLevel    string
	logFormat   string
	metricsAddr string
	configFile  string
	preset      string
	epochs      int
	horizon     int
	batch       int
	lr          float64
	optimizer   string
	policyKind  string
	lossKind    string
	seed        int64
	workers     int
	noSave      bool
	jsonOut     bool
	threshold   float64
	tuneLRs     []float64
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "diffsim",
		Short:        "trajectory optimization through a differentiable simulator",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&dataDir, "data", ".diffsim", "data directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	trainCmd := &cobra.Command{
		Use:   "train [model]",
		Short: "optimize a policy and save the run",
		Args:  cobra.MaximumNArgs(1),
		RunE:  trainPolicy,
	}
	addRunFlags(trainCmd)
	trainCmd.Flags().BoolVar(&noSave, "no-save", false, "do not persist the run")

	rolloutCmd := &cobra.Command{
		Use:   "rollout [run_id]",
		Short: "replay the trained policy of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  replayRun,
	}
	rolloutCmd.Flags().BoolVar(&jsonOut, "json", false, "write the first trajectory as json")
	rolloutCmd.Flags().Float64Var(&threshold, "threshold", 10, "stability threshold")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list runs",
		RunE:  listRuns,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [run_id]",
		Short: "plot the loss curve and trajectory of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  plotRun,
	}

	presetsCmd := &cobra.Command{
		Use:   "presets [model]",
		Short: "list available presets",
		Args:  cobra.MaximumNArgs(1),
		RunE:  listPresets,
	}

	tuneCmd := &cobra.Command{
		Use:   "tune [model]",
		Short: "grid search the learning rate",
		Args:  cobra.MaximumNArgs(1),
		RunE:  tuneLR,
	}
	addRunFlags(tuneCmd)
	tuneCmd.Flags().Float64SliceVar(&tuneLRs, "lrs", []float64{1e-3, 3e-3, 1e-2, 3e-2, 1e-1}, "learning rates to try")

	trainCmd.Flags().Float64Var(&threshold, "threshold", 10, "stability threshold")

	rootCmd.AddCommand(trainCmd, rolloutCmd, listCmd, plotCmd, presetsCmd, tuneCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&configFile, "config", "", "config file path (yaml)")
	cmd.Flags().StringVar(&preset, "preset", "", "use preset configuration")
	cmd.Flags().IntVar(&epochs, "epochs", config.DefaultEpochs, "optimizer iterations")
	cmd.Flags().IntVar(&horizon, "horizon", config.DefaultHorizon, "rollout horizon")
	cmd.Flags().IntVar(&batch, "batch", config.DefaultBatch, "initial states per batch")
	cmd.Flags().Float64Var(&lr, "lr", config.DefaultLR, "learning rate")
	cmd.Flags().StringVar(&optimizer, "optimizer", "adam", "update rule (sgd, momentum, adam)")
	cmd.Flags().StringVar(&policyKind, "policy", "mlp", "policy (zero, open_loop, linear, mlp, hjb)")
	cmd.Flags().StringVar(&lossKind, "loss", "cost", "training loss (cost, td)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed")
	cmd.Flags().IntVar(&workers, "workers", 0, "worker goroutines (0 = one per cpu)")
}

// loadConfig resolves the config in order: preset, config file, defaults;
// then applies explicitly set flags.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	model := ""
	if len(args) > 0 {
		model = args[0]
	}

	var cfg *config.Config
	switch {
	case configFile != "":
		c, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = c
	case preset != "":
		cfg = config.GetPreset(model, preset)
		if cfg == nil {
			return nil, fmt.Errorf("unknown preset: %s (available: %v)", preset, config.ListPresets(model))
		}
	case model != "":
		c, err := experiment.NewRegistry().DefaultConfig(model)
		if err != nil {
			return nil, err
		}
		cfg = c
	default:
		cfg = config.DefaultConfig()
	}
	if model != "" && configFile == "" {
		cfg.Model = model
	}

	flags := cmd.Flags()
	if flags.Changed("epochs") {
		cfg.Epochs = epochs
	}
	if flags.Changed("horizon") {
		cfg.Horizon = horizon
	}
	if flags.Changed("batch") {
		cfg.Batch = batch
	}
	if flags.Changed("lr") {
		cfg.LR = lr
	}
	if flags.Changed("optimizer") {
		cfg.Optimizer = optimizer
	}
	if flags.Changed("policy") {
		cfg.Policy.Kind = policyKind
	}
	if flags.Changed("loss") {
		cfg.Loss = lossKind
	}
	if flags.Changed("seed") {
		cfg.Seed = seed
	}
	if flags.Changed("workers") {
		cfg.Workers = workers
	}
	return cfg, cfg.Validate()
}

func newLogger() zerolog.Logger {
	return telemetry.NewLogger(logLevel, logFormat, os.Stderr)
}

// newMetrics returns nil unless --metrics-addr is set, in which case the
// collectors are served over http for the life of the process.
func newMetrics(log zerolog.Logger) (*telemetry.Metrics, error) {
	if metricsAddr == "" {
		return nil, nil
	}
	reg := prometheus.NewRegistry()
	m, err := telemetry.NewMetrics(reg, "diffsim")
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Addr:              metricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", metricsAddr).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", metricsAddr).Msg("serving metrics")
	return m, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func build(cfg *config.Config) (*experiment.Setup, error) {
	log := newLogger()
	m, err := newMetrics(log)
	if err != nil {
		return nil, err
	}
	return experiment.NewRegistry().Build(cfg,
		experiment.WithLogger(log),
		experiment.WithMetrics(m),
	)
}

func trainPolicy(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	setup, err := build(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Println(heading(fmt.Sprintf("training %s (%s policy, %d params)", cfg.Model, cfg.Policy.Kind, len(setup.Policy.Params()))))
	res, err := setup.Train(ctx, nil)
	if err != nil {
		return err
	}

	summary := metrics.Summarize(res.Final, metrics.Defaults(setup.Engine.Energy, threshold))

	initial := "initial loss"
	if setup.TD != nil {
		initial = "initial td loss"
	}
	pairs := []string{
		initial, formatLoss(res.Losses),
		"final loss", strconv.FormatFloat(res.Final.Loss, 'g', 6, 64),
		"terminated", fmt.Sprintf("%d/%d", res.Final.Terminated(), len(res.Final.Trajectories)),
		"elapsed", res.Duration.Round(time.Millisecond).String(),
	}
	pairs = append(pairs, metricPairs(summary)...)

	if !noSave {
		st := storage.New(dataDir)
		if err := st.Init(); err != nil {
			return err
		}
		runID, err := st.Save(&storage.RunRecord{
			Config:     cfg,
			Params:     res.Params,
			Losses:     res.Losses,
			FinalLoss:  res.Final.Loss,
			Terminated: res.Final.Terminated(),
			Trajectory: res.Final.Trajectories[0],
			Metrics:    summary,
		})
		if err != nil {
			return err
		}
		pairs = append([]string{"run id", runID}, pairs...)
	}

	fmt.Println(kvPanel(pairs...))
	return nil
}

func formatLoss(losses []float64) string {
	if len(losses) == 0 {
		return "-"
	}
	return strconv.FormatFloat(losses[0], 'g', 6, 64)
}

func metricPairs(m map[string]float64) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, 2*len(names))
	for _, name := range names {
		pairs = append(pairs, name, strconv.FormatFloat(m[name], 'f', 6, 64))
	}
	return pairs
}

func replayRun(cmd *cobra.Command, args []string) error {
	runID := args[0]
	st := storage.New(dataDir)

	meta, err := st.Load(runID)
	if err != nil {
		return err
	}
	cfg, err := st.LoadConfig(runID)
	if err != nil {
		return err
	}
	setup, err := build(cfg)
	if err != nil {
		return err
	}
	pol, err := setup.Policy.WithParams(meta.Params)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	b, err := setup.Evaluate(ctx, pol)
	if err != nil {
		return err
	}
	metricSet := metrics.Defaults(setup.Engine.Energy, threshold)

	if jsonOut {
		tr := b.Trajectories[0]
		return storage.ExportJSON(os.Stdout, cfg.Model, tr, metrics.Evaluate(tr, metricSet()...))
	}

	fmt.Println(heading("rollout " + runID))
	pairs := []string{
		"loss", strconv.FormatFloat(b.Loss, 'g', 6, 64),
		"terminated", fmt.Sprintf("%d/%d", b.Terminated(), len(b.Trajectories)),
	}
	pairs = append(pairs, metricPairs(metrics.Summarize(b, metricSet))...)
	fmt.Println(kvPanel(pairs...))
	return nil
}

func listRuns(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir)
	runs, err := st.List()
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tTIME\tPOLICY\tOPTIM\tEPOCHS\tLOSS")

	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%.6g\n",
			run.ID,
			run.Model,
			run.Timestamp.Format("2006-01-02 15:04:05"),
			run.Policy,
			run.Optimizer,
			run.Epochs,
			run.FinalLoss,
		)
	}

	return w.Flush()
}

func plotRun(cmd *cobra.Command, args []string) error {
	runID := args[0]

	st := storage.New(dataDir)
	meta, err := st.Load(runID)
	if err != nil {
		return err
	}

	fmt.Println(heading(fmt.Sprintf("run %s (%s)", meta.ID, meta.Model)))

	losses, err := st.LoadLosses(runID)
	if err != nil {
		return err
	}
	if len(losses) > 0 {
		fmt.Println(asciigraph.Plot(losses,
			asciigraph.Height(10),
			asciigraph.Width(80),
			asciigraph.Caption("loss per iteration"),
		))
		fmt.Println()
	}

	td, err := st.LoadTrajectory(runID)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(td.Rows) == 0 {
		return fmt.Errorf("no data to plot")
	}

	const maxPlots = 6
	cols := td.Header[1:]
	for j, name := range cols {
		if j == maxPlots || strings.HasPrefix(name, "cost") {
			break
		}
		data := make([]float64, len(td.Rows))
		for i, row := range td.Rows {
			data[i] = row[j]
		}
		fmt.Println(asciigraph.Plot(data,
			asciigraph.Height(8),
			asciigraph.Width(80),
			asciigraph.Caption(name+" vs time"),
		))
		fmt.Println()
	}
	return nil
}

func listPresets(cmd *cobra.Command, args []string) error {
	models := config.ListModels()
	if len(args) > 0 {
		models = args
	}
	for _, model := range models {
		presets := config.ListPresets(model)
		if len(presets) == 0 {
			fmt.Printf("no presets for model: %s\n", model)
			continue
		}
		fmt.Printf("presets for %s:\n", model)
		for _, p := range presets {
			cfg := config.GetPreset(model, p)
			fmt.Printf("  %-12s %s\n", p, subtleStyle.Render(fmt.Sprintf(
				"policy=%s horizon=%d dt=%g integrator=%s", cfg.Policy.Kind, cfg.Horizon, cfg.Dt, cfg.Integrator)))
		}
	}
	return nil
}

func tuneLR(cmd *cobra.Command, args []string) error {
	base, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	log := newLogger()

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Println(heading(fmt.Sprintf("tuning lr for %s over %v", base.Model, tuneLRs)))
	registry := experiment.NewRegistry()
	res, err := registry.TuneLR(ctx, base, tuneLRs, log)
	if err != nil {
		return err
	}
	if res.Best == nil {
		return fmt.Errorf("every trial failed")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LR\tLOSS")
	for _, tr := range res.Trials {
		outcome := strconv.FormatFloat(tr.Value, 'g', 6, 64)
		if tr.Err != nil {
			outcome = "failed: " + tr.Err.Error()
		}
		fmt.Fprintf(w, "%g\t%s\n", tr.Params["lr"], outcome)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Println(kvPanel(
		"best lr", strconv.FormatFloat(res.Best["lr"], 'g', 6, 64),
		"final loss", strconv.FormatFloat(res.Value, 'g', 6, 64),
		"cached shapes", strconv.Itoa(registry.Caches().Len()),
	))
	return nil
}
