// OpenSQM: sky-quality-meter acquisition daemon and datacenter receiver.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/vesaa/opensqm/internal/agent"
	"github.com/vesaa/opensqm/internal/config"
	"github.com/vesaa/opensqm/internal/device"
	"github.com/vesaa/opensqm/internal/ephem"
	"github.com/vesaa/opensqm/internal/hostinfo"
	"github.com/vesaa/opensqm/internal/metrics"
	"github.com/vesaa/opensqm/internal/models"
	"github.com/vesaa/opensqm/internal/plot"
	"github.com/vesaa/opensqm/internal/server"
	"github.com/vesaa/opensqm/internal/sink"
)

const asciiLogo = `
   ___                   ____   ___  __  __
  / _ \ _ __   ___ _ __ / ___| / _ \|  \/  |
 | | | | '_ \ / _ \ '_ \\___ \| | | | |\/| |
 | |_| | |_) |  __/ | | |___) | |_| | |  | |
  \___/| .__/ \___|_| |_|____/ \__\_\_|  |_|
       |_|
`

const version = "v0.3.0"

// Exit codes.
const (
	exitOK     = 0
	exitError  = 1 // configuration, storage or any other failure
	exitDevice = 2 // photometer unreachable after every reset attempt
)

func printBanner(mode string) {
	fmt.Print(asciiLogo + "\n")
	fmt.Printf("  ► OpenSQM %s  |  Mode: %s\n\n", version, mode)
}

func main() {
	root := &cobra.Command{
		Use:   "opensqm",
		Short: "OpenSQM: continuous night-sky brightness acquisition",
		Long: `OpenSQM reads a Unihedron SQM-LE or SQM-LU photometer every night,
writes calibrated records to data files and optional sinks, and draws a graph
of every night. Run with --input_file to re-process an existing data file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runStation,
	}
	root.Flags().StringP("config", "c", "config.yaml", "Path to the station config file")
	root.Flags().StringP("input_file", "i", "", "Re-process an existing data file instead of reading the device")
	root.Flags().String("metrics", "", "Serve Prometheus metrics on this address, e.g. :9117 (overrides metrics_listen)")

	// ── datacenter subcommand ─────────────────────────────────────────────────
	datacenterCmd := &cobra.Command{
		Use:   "datacenter",
		Short: "Start the datacenter receiver (control plane + station data plane)",
		RunE:  runDatacenter,
	}
	datacenterCmd.Flags().StringP("config", "c", "config.yaml", "Path to the datacenter config file")

	// ── version subcommand ────────────────────────────────────────────────────
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print OpenSQM version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("OpenSQM %s\n", version)
		},
	}

	root.AddCommand(datacenterCmd, versionCmd)

	err := root.Execute()
	if err != nil {
		log.Printf("[opensqm] %v", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps a run error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, device.ErrUnreachable):
		return exitDevice
	default:
		return exitError
	}
}

// ── station ───────────────────────────────────────────────────────────────────

func runStation(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	observer := ephem.Observer{
		Latitude:  cfg.ObservatoryLatitude,
		Longitude: cfg.ObservatoryLongitude,
		Elevation: cfg.ObservatoryAltitude,
		Horizon:   cfg.ObservatoryHorizon,
	}
	plotter := plot.NewPlotter(cfg, observer)

	if input, _ := cmd.Flags().GetString("input_file"); input != "" {
		return processFile(cfg, plotter, input)
	}

	printBanner("STATION")
	logger := log.New(os.Stderr, "", log.LstdFlags)

	if _, offset := time.Now().Zone(); float64(offset)/3600 != cfg.ComputerTimezone {
		logger.Printf("[opensqm] host clock is UTC%+g but _computer_timezone is %+g",
			float64(offset)/3600, cfg.ComputerTimezone)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev, err := device.FromConfig(cfg, prefixed("[device] "))
	if err != nil {
		return &config.Error{Key: "device_type", Err: err}
	}
	host := hostinfo.Collect(cfg.MonthlyDataDirectory)
	header := sink.HeaderFromConfig(cfg)
	header.CaptureBox = host.String()
	describeDevice(ctx, dev, &header, logger)

	files := sink.NewFile(cfg, header, prefixed("[sink:file] "))
	sinks, err := optionalSinks(ctx, cfg, host)
	if err != nil {
		dev.Close()
		return err
	}
	escalator, err := agent.NewEscalator(cfg, prefixed("[escalate] "))
	if err != nil {
		dev.Close()
		return err
	}

	metrics.MustRegister()
	listen := cfg.MetricsListen
	if flag, _ := cmd.Flags().GetString("metrics"); flag != "" {
		listen = flag
	}
	if listen != "" {
		srv := &http.Server{Addr: listen, Handler: metrics.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("[metrics] %v", err)
			}
		}()
		defer srv.Close()
		fmt.Printf("  ✓ Metrics        → http://%s/metrics\n", listen)
	}

	fmt.Printf("  ✓ Photometer     → %s (%s)\n", dev, cfg.DeviceID)
	fmt.Printf("  ✓ Data directory → %s\n", cfg.MonthlyDataDirectory)
	for _, s := range sinks {
		fmt.Printf("  ✓ Sink           → %s\n", s.Name())
	}
	if escalator != nil {
		fmt.Printf("  ✓ Escalation     → %s after %ds\n", escalator, cfg.RebootDelay)
	}
	fmt.Println()

	a := agent.New(cfg, agent.Options{
		Device:    dev,
		Observer:  observer,
		Files:     files,
		Sinks:     sinks,
		Renderer:  plotter,
		Escalator: escalator,
		Logger:    prefixed("[agent] "),
	})
	return a.Run(ctx)
}

// describeDevice fills the instrument readouts of the data file header. A
// photometer that does not answer yet is not fatal; the loop resets it.
func describeDevice(ctx context.Context, dev *device.Photometer, h *sink.Header, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := dev.Open(ctx); err != nil {
		logger.Printf("[opensqm] photometer not answering at startup: %v", err)
		return
	}
	id, err := dev.Identify(ctx)
	if err != nil {
		logger.Printf("[opensqm] identify: %v", err)
		return
	}
	h.Serial = fmt.Sprintf("%d", id.Serial)
	h.Firmware = fmt.Sprintf("%d", id.Feature)
	h.ReadoutIx = fmt.Sprintf("i,%08d,%08d,%08d,%08d", id.Protocol, id.Model, id.Feature, id.Serial)

	readings, err := dev.ReadMeasurement(ctx, 1, 0)
	if err != nil || len(readings) == 0 {
		logger.Printf("[opensqm] first reading: %v", err)
		return
	}
	r := readings[0]
	h.ReadoutRx = fmt.Sprintf("r, %05.2fm,%010.0fHz,%010.0fc,%011.3fs, %05.1fC",
		r.Brightness, r.Frequency, r.Counts, r.Period, r.Temperature)
}

// optionalSinks builds the best-effort sinks enabled in cfg.
func optionalSinks(ctx context.Context, cfg *config.Config, host hostinfo.Snapshot) ([]sink.Sink, error) {
	var sinks []sink.Sink

	if cfg.UseMySQL {
		db, err := sink.OpenDatabase(cfg)
		if err != nil {
			return nil, &config.StorageError{Path: cfg.DBDriver, Err: err}
		}
		sinks = append(sinks, db)
	}
	if cfg.SendToDatacenter {
		reg := models.RegisterPayload{
			DeviceID:   cfg.DeviceID,
			DeviceType: cfg.DeviceType,
			Name:       cfg.ObservatoryName,
			Location:   cfg.DeviceLocationName,
			Supplier:   cfg.DataSupplier,
			Latitude:   cfg.ObservatoryLatitude,
			Longitude:  cfg.ObservatoryLongitude,
			Altitude:   cfg.ObservatoryAltitude,
			Hostname:   host.Hostname,
			OS:         host.OS,
			AgentVer:   version,
		}
		sinks = append(sinks, sink.NewDatacenter(cfg, reg, &http.Client{Timeout: cfg.SinkDeadline()}, prefixed("[sink:datacenter] ")))
	}
	if cfg.SendDataByEmail {
		sinks = append(sinks, sink.NewEmail(cfg))
	}
	if cfg.ArchiveToS3 {
		archive, err := sink.NewArchive(ctx, cfg)
		if err != nil {
			return nil, &config.Error{Key: "_archive_to_s3", Err: err}
		}
		sinks = append(sinks, archive)
	}
	return sinks, nil
}

// processFile re-runs the end-of-night products for an existing data file.
func processFile(cfg *config.Config, plotter *plot.Plotter, input string) error {
	records, err := plot.ReadDataFile(input, cfg.LocalZone())
	if err != nil {
		return err
	}
	summary, err := plot.Summarize(records)
	if err != nil {
		return fmt.Errorf("%s: %w", input, err)
	}
	if err := plot.AppendSummary(plot.SummaryPath(cfg.SummaryDataDirectory, cfg.DeviceID), summary); err != nil {
		return err
	}
	graph := filepath.Join(cfg.DailyGraphDirectory, strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))+".png")
	if err := plotter.Render(graph, records); err != nil {
		return err
	}
	fmt.Printf("  ✓ %d records, mean %.2f mag/arcsec² → %s\n", summary.Records, summary.MeanBrightness, graph)
	return nil
}

func prefixed(prefix string) *log.Logger {
	return log.New(os.Stderr, prefix, log.LstdFlags)
}

// ── datacenter ────────────────────────────────────────────────────────────────

func runDatacenter(cmd *cobra.Command, args []string) error {
	printBanner("DATACENTER")

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadDatacenter(path)
	if err != nil {
		return err
	}

	store, err := server.OpenStore(cfg.ServerDBPath)
	if err != nil {
		return &config.StorageError{Path: cfg.ServerDBPath, Err: err}
	}
	metrics.MustRegister()
	srv := server.New(store, cfg, prefixed(""))

	gin.SetMode(gin.ReleaseMode)
	corsMiddleware := func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}

	// ── Control-plane engine ───────────────────────────────────────────────
	ctrlEngine := gin.New()
	ctrlEngine.Use(gin.Recovery(), corsMiddleware)
	srv.RegisterControlRoutes(ctrlEngine)
	server.RegisterStaticFiles(ctrlEngine)

	// ── Data-plane engine ──────────────────────────────────────────────────
	dataEngine := gin.New()
	dataEngine.Use(gin.Recovery())
	srv.RegisterDataRoutes(dataEngine)

	ctrlAddr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ControlPort)
	dataAddr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.DataPort)

	fmt.Printf("  ✓ Control plane (status page + JWT API) → http://%s\n", ctrlAddr)
	fmt.Printf("  ✓ Data    plane (station uploads)       → http://%s\n", dataAddr)
	fmt.Printf("  ✓ Database                              → %s\n\n", cfg.ServerDBPath)

	ctrlSrv := &http.Server{Addr: ctrlAddr, Handler: ctrlEngine}
	dataSrv := &http.Server{Addr: dataAddr, Handler: dataEngine}

	errCh := make(chan error, 2)
	go func() { errCh <- ctrlSrv.ListenAndServe() }()
	go func() { errCh <- dataSrv.ListenAndServe() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		fmt.Println("\n  → Shutting down gracefully…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctrlSrv.Shutdown(shutdownCtx)
		_ = dataSrv.Shutdown(shutdownCtx)
		return nil
	}
}
