package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"tagcal/internal/battery"
	"tagcal/internal/ble"
	"tagcal/internal/codec"
	"tagcal/internal/config"
	"tagcal/internal/ics"
	appLog "tagcal/internal/log"
	"tagcal/internal/model"
	"tagcal/internal/render"
	"tagcal/internal/retry"
	"tagcal/internal/status"
	"tagcal/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath   string
	listen       string
	once         bool
	force        bool
	dryRun       bool
	scan         bool
	scanVendor   bool
	testConnect  bool
	createConfig bool
	verbose      bool
}

// app wires the long-lived pieces of the daemon together.
type app struct {
	cfg       *config.Config
	adapter   ble.Adapter
	fetcher   *ics.Fetcher
	stateFile *status.StateFile
	server    *web.Server

	// refreshMu keeps cron ticks from overlapping a slow transfer.
	refreshMu sync.Mutex
}

func main() {
	flags := parseFlags()

	if flags.createConfig {
		if err := config.Save(flags.configPath, config.DefaultConfig()); err != nil {
			appLog.Error("failed to write default config", err, "config_path", flags.configPath)
			os.Exit(1)
		}
		appLog.Info("default config written", "config_path", flags.configPath)
		return
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	if flags.verbose {
		appLog.SetLevel(appLog.LevelDebug)
	} else {
		appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	}

	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.Info("tagcal starting",
		"listen", conf.Listen,
		"identifier", conf.Device.Identifier,
		"tag_size", conf.Device.TagSize,
		"refresh", conf.RefreshCron,
		"once", flags.once,
		"dry_run", flags.dryRun,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	adapter := ble.NewTinygoAdapter()

	// Operator tooling modes exit without touching the pipeline.
	switch {
	case flags.scan || flags.scanVendor:
		os.Exit(runScan(ctx, adapter, conf, flags.scanVendor))
	case flags.testConnect:
		os.Exit(runTestConnect(ctx, adapter, conf))
	}

	stateDir := filepath.Dir(conf.StateFile)
	reader := battery.NewReader(conf.Battery.Enabled, conf.Battery.I2CBus, conf.Battery.I2CAddr)
	if bat, err := reader.Read(ctx); err == nil {
		appLog.Info("host battery", "percent", bat.Percent, "voltage_mv", bat.VoltageMv)
	}

	a := &app{
		cfg:       conf,
		adapter:   adapter,
		fetcher:   ics.NewFetcher(filepath.Join(stateDir, "ics-cache")),
		stateFile: status.NewStateFile(conf.StateFile),
		server:    web.NewServer(conf, reader, filepath.Join(stateDir, "preview.png")),
	}

	httpSrv := &http.Server{
		Addr:    conf.Listen,
		Handler: a.server.Handler(),
	}
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Error("HTTP server failed", err)
			cancel()
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	if flags.once {
		if err := a.refresh(ctx, flags.force, flags.dryRun); err != nil {
			appLog.Error("refresh failed", err)
			os.Exit(1)
		}
		return
	}

	// Daemon mode: run immediately, then on the cron schedule.
	if err := a.refresh(ctx, flags.force, flags.dryRun); err != nil {
		appLog.Error("initial refresh failed", err)
	}

	scheduler := cron.New()
	_, err = scheduler.AddFunc(conf.RefreshCron, func() {
		if err := a.refresh(ctx, false, flags.dryRun); err != nil {
			appLog.Error("scheduled refresh failed", err)
		}
	})
	if err != nil {
		appLog.Error("failed to schedule refresh", err, "refresh", conf.RefreshCron)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	<-ctx.Done()
	appLog.Info("tagcal exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/tagcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one refresh cycle and exit")
	flag.BoolVar(&cfg.force, "force", false, "Transfer even when the status is unchanged")
	flag.BoolVar(&cfg.dryRun, "dry-run", false, "Render and encode, but do not touch the tag")
	flag.BoolVar(&cfg.scan, "scan", false, "List all visible BLE devices and exit")
	flag.BoolVar(&cfg.scanVendor, "scan-vendor", false, "List compatible tags and exit")
	flag.BoolVar(&cfg.testConnect, "test-connect", false, "Locate the tag, verify its protocol, and exit")
	flag.BoolVar(&cfg.createConfig, "create-config", false, "Write a default config file and exit")
	flag.BoolVar(&cfg.verbose, "verbose", false, "Enable debug logging")

	flag.Parse()

	return cfg
}

// refresh runs one fetch-compute-gate-render-transfer cycle. The
// fingerprint is persisted only after the tag confirms the transfer,
// so an interrupted push is retried on the next cycle.
func (a *app) refresh(ctx context.Context, force, dryRun bool) error {
	if !a.refreshMu.TryLock() {
		appLog.Warn("refresh already running, skipping this tick")
		return nil
	}
	defer a.refreshMu.Unlock()

	started := time.Now()

	content, err := a.computeStatus(ctx)
	if err != nil {
		return err
	}

	prev := a.stateFile.LoadPrevious()
	transfer, fp := status.ShouldTransfer(content, prev, force)
	a.server.SetStatus(content, fp.ContentHash)

	appLog.Info("status computed",
		"state", content.State,
		"content_hash", fp.ContentHash,
		"transfer", transfer,
	)
	if !transfer {
		appLog.Info("status unchanged, tag left alone")
		return nil
	}

	tc := a.cfg.TransferConfig()
	img, err := render.CaptureCard(ctx, render.Options{
		URL:         cardURL(a.cfg.Listen),
		Width:       tc.Geometry.Width,
		Height:      tc.Geometry.Height,
		PreviewPath: filepath.Join(filepath.Dir(a.cfg.StateFile), "preview.png"),
	})
	if err != nil {
		return err
	}

	encoded, err := codec.Encode(img, tc)
	if err != nil {
		return err
	}
	appLog.Info("image encoded",
		"geometry", tc.Geometry,
		"total_bytes", encoded.TotalBytes,
		"chunks", len(encoded.Chunks),
	)

	if dryRun {
		appLog.Info("dry run, skipping transfer")
		return nil
	}

	if err := a.transfer(ctx, encoded); err != nil {
		a.server.SetTransferResult(err)
		return err
	}
	a.server.SetTransferResult(nil)

	if err := a.stateFile.Store(fp); err != nil {
		appLog.Error("failed to persist fingerprint", err, "state_file", a.cfg.StateFile)
	}

	appLog.Info("refresh complete", "elapsed", time.Since(started).Round(time.Millisecond))
	return nil
}

// computeStatus fetches and expands the calendar, then folds it into
// the availability shown on the tag.
func (a *app) computeStatus(ctx context.Context) (c model.StatusContent, err error) {
	loc, err := a.cfg.DisplayLocation()
	if err != nil {
		return c, err
	}
	now := time.Now().In(loc)

	src := ics.Source{ID: "calendar", URL: a.cfg.Calendar.URL}
	if src.URL == "" {
		return c, errors.New("main: calendar.ics_url is not configured")
	}

	result, err := a.fetcher.Fetch(ctx, src)
	if err != nil {
		return c, fmt.Errorf("main: fetch calendar: %w", err)
	}

	events, err := ics.ParseICS(result.Source, result.Body)
	if err != nil {
		return c, fmt.Errorf("main: parse calendar: %w", err)
	}

	// Long-running events may have started days ago; look back a week
	// so they still register as busy.
	occurrences, err := ics.ExpandOccurrences(events, ics.ExpandConfig{
		DisplayLocation: loc,
		RangeStart:      now.AddDate(0, 0, -7),
		RangeEnd:        now.AddDate(0, 0, 2),
	})
	if err != nil {
		return c, fmt.Errorf("main: expand calendar: %w", err)
	}

	window := time.Duration(a.cfg.Calendar.CheckWindowMinutes) * time.Minute
	return status.Compute(occurrences, now, window), nil
}

// transfer locates the tag and streams the image under the retry
// supervisor. Each attempt rescans; a tag that wandered off and came
// back is found again.
func (a *app) transfer(ctx context.Context, encoded *codec.EncodedImage) error {
	t := a.cfg.Transfer
	session := ble.NewSession(ble.SessionConfig{
		ConnectTimeout: t.ConnectTimeout.Std(),
		ChunkTimeout:   t.ChunkTimeout.Std(),
		TotalTimeout:   t.TotalTimeout.Std(),
	})

	outcome := retry.Run(ctx, retry.Options{
		MaxAttempts: t.MaxAttempts,
		BackoffBase: t.BackoffBase.Std(),
		BackoffMax:  t.BackoffMax.Std(),
	}, func(ctx context.Context, n int) error {
		device, err := ble.Locate(ctx, a.adapter, a.cfg.Device.Identifier, t.ScanTimeout.Std())
		if err != nil {
			return err
		}
		appLog.Info("tag located",
			"attempt", n,
			"address", device.Address,
			"name", device.Name,
			"rssi", device.RSSI,
			"matched_by", device.MatchedBy,
		)
		return session.Transfer(ctx, a.adapter, device.Address, encoded)
	})

	if outcome.Err != nil {
		return fmt.Errorf("main: transfer failed after %d attempt(s): %w", outcome.Attempts, outcome.Err)
	}
	appLog.Info("tag updated", "attempts", outcome.Attempts)
	return nil
}

// runScan lists visible devices for operators picking an identifier.
func runScan(ctx context.Context, adapter ble.Adapter, conf *config.Config, vendorOnly bool) int {
	timeout := conf.Transfer.ScanTimeout.Std()

	var (
		devices []ble.Advertisement
		err     error
	)
	if vendorOnly {
		devices, err = ble.EnumerateVendor(ctx, adapter, timeout)
	} else {
		devices, err = ble.EnumerateAll(ctx, adapter, timeout)
	}
	if err != nil {
		appLog.Error("scan failed", err)
		return 1
	}

	if len(devices) == 0 {
		fmt.Println("no devices found")
		return 0
	}
	for _, d := range devices {
		name := d.LocalName
		if name == "" {
			name = "(no name)"
		}
		fmt.Printf("%-20s  %4d dBm  %s\n", d.Address, d.RSSI, name)
	}
	return 0
}

// runTestConnect verifies the configured identifier resolves to a tag
// speaking the vendor protocol.
func runTestConnect(ctx context.Context, adapter ble.Adapter, conf *config.Config) int {
	t := conf.Transfer

	device, err := ble.Locate(ctx, adapter, conf.Device.Identifier, t.ScanTimeout.Std())
	if err != nil {
		appLog.Error("locate failed", err, "identifier", conf.Device.Identifier)
		return 1
	}
	fmt.Printf("found %s (%s, %d dBm, matched by %s)\n",
		device.Address, device.Name, device.RSSI, device.MatchedBy)

	session := ble.NewSession(ble.SessionConfig{
		ConnectTimeout: t.ConnectTimeout.Std(),
		ChunkTimeout:   t.ChunkTimeout.Std(),
		TotalTimeout:   t.TotalTimeout.Std(),
	})
	if err := session.Probe(ctx, adapter, device.Address); err != nil {
		appLog.Error("probe failed", err, "address", device.Address)
		return 1
	}
	fmt.Println("vendor protocol verified")
	return 0
}

// cardURL builds the loopback URL the headless browser should load.
func cardURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen + "/card"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s/card", net.JoinHostPort(host, port))
}
