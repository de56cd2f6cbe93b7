package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ironpbx/ironpbx/internal/cdr"
	"github.com/ironpbx/ironpbx/internal/config"
	"github.com/ironpbx/ironpbx/internal/dtmf"
	"github.com/ironpbx/ironpbx/internal/email"
	"github.com/ironpbx/ironpbx/internal/events"
	"github.com/ironpbx/ironpbx/internal/ivr"
	"github.com/ironpbx/ironpbx/internal/media"
	"github.com/ironpbx/ironpbx/internal/metrics"
	"github.com/ironpbx/ironpbx/internal/ops"
	"github.com/ironpbx/ironpbx/internal/prompts"
	"github.com/ironpbx/ironpbx/internal/recording"
	sipserver "github.com/ironpbx/ironpbx/internal/sip"
	"github.com/ironpbx/ironpbx/internal/store"
	"github.com/ironpbx/ironpbx/internal/voicemail"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting ironpbx",
		"sip_port", cfg.SIPPort,
		"ops_port", cfg.OpsPort,
		"data_dir", cfg.DataDir,
	)

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open extension store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	if err := provisionExtensions(appCtx, db, cfg); err != nil {
		slog.Error("extension provisioning failed", "error", err)
		os.Exit(1)
	}

	planSpec, err := config.LoadDialplan(cfg.DialplanFile)
	if err != nil {
		slog.Error("failed to load dialplan", "error", err)
		os.Exit(1)
	}
	plan, err := sipserver.CompileDialplan(*planSpec, time.Duration(cfg.RingTimeoutSec)*time.Second)
	if err != nil {
		slog.Error("failed to compile dialplan", "error", err)
		os.Exit(1)
	}

	mediaMgr, err := media.NewManager(net.ParseIP(cfg.MediaIP()), cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		slog.Error("failed to create media manager", "error", err)
		os.Exit(1)
	}
	confMgr := media.NewConferenceManager(logger)

	if err := prompts.EnsureDefaults(cfg.DataDir, logger); err != nil {
		slog.Error("failed to generate prompts", "error", err)
		os.Exit(1)
	}
	runner := ivr.NewRunner(prompts.NewLibrary(cfg.DataDir), logger)

	vmStore, err := voicemail.NewStore(filepath.Join(cfg.DataDir, "voicemail"), logger)
	if err != nil {
		slog.Error("failed to open voicemail store", "error", err)
		os.Exit(1)
	}
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	go vmStore.Run(appCtx, time.Hour, retention)
	go recording.NewSweeper(cfg.DataDir, cfg.RetentionDays, logger).Run(appCtx, time.Hour)

	flows := &ivr.VoicemailFlows{
		Store:    vmStore,
		CheckPIN: pinChecker(db),
		Logger:   logger,
	}

	bus := events.NewBus(logger)
	if cfg.WebhookURL != "" {
		emitter := events.NewWebhookEmitter(cfg.WebhookURL, []byte(cfg.WebhookSecret), logger)
		go emitter.Run(appCtx, bus.Subscribe(64))
	}

	jsonl, err := cdr.NewJSONLSink(filepath.Join(cfg.DataDir, "cdr"), logger)
	if err != nil {
		slog.Error("failed to open cdr sink", "error", err)
		os.Exit(1)
	}
	stats := cdr.NewStats()
	sinks := cdr.Fanout{jsonl, stats}
	if cfg.PostgresDSN != "" {
		pg, err := cdr.NewPostgresSink(cfg.PostgresDSN, logger)
		if err != nil {
			slog.Error("failed to open postgres cdr sink", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, pg)
	}

	sipSrv, err := sipserver.NewServer(cfg, sipserver.Deps{
		Extensions:  db,
		Media:       mediaMgr,
		Conferences: confMgr,
		Runner:      runner,
		Flows:       flows,
		Mailboxes:   vmStore,
		Dialplan:    plan,
		Bus:         bus,
		CDR:         sinks,
		Logger:      logger,
	})
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}
	// Mailbox changes light message lamps; the notifier exists only once
	// the server does.
	flows.OnChange = sipSrv.MWI().MailboxChanged

	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	if cfg.SMTPEnabled() {
		sender := email.NewSender(email.Config{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			From:        cfg.SMTPFrom,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			ImplicitTLS: cfg.SMTPTLS,
		}, logger)
		go email.NewNotifier(sender, db, vmStore, logger).Run(appCtx, bus.Subscribe(16))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(
		sipSrv.Calls(),
		sipSrv.Registrar(),
		mediaMgr,
		stats,
		vmStore,
		dtmf.Totals,
		time.Now(),
	))

	opsHandler := ops.NewServer(cfg, sipSrv.Handler(), sipSrv.Registrar(), sipSrv.Calls(), mediaMgr, sipSrv.Guard(), registry, logger)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.OpsPort),
		Handler:      opsHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("ops server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	sipSrv.Stop()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("ops server shutdown error", "error", err)
	}
	appCancel()
	mediaMgr.ReleaseAll()
	if err := sinks.Close(); err != nil {
		slog.Error("cdr sink shutdown error", "error", err)
	}
	bus.Close()

	slog.Info("ironpbx stopped")
}

// provisionExtensions applies the JSON provisioning file, inserting any
// extensions not yet in the store. Nothing to do when no file is
// configured.
func provisionExtensions(ctx context.Context, db *store.SQLiteStore, cfg *config.Config) error {
	if cfg.ExtensionsFile == "" {
		return nil
	}
	data, err := os.ReadFile(cfg.ExtensionsFile)
	if err != nil {
		return fmt.Errorf("reading extensions file: %w", err)
	}

	var provs []store.Provision
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&provs); err != nil {
		return fmt.Errorf("parsing extensions file %s: %w", cfg.ExtensionsFile, err)
	}
	return db.Ensure(ctx, cfg.SIPRealm, provs)
}

// pinChecker verifies voicemail PINs against the extension owning the
// mailbox.
func pinChecker(db *store.SQLiteStore) func(mailbox, pin string) bool {
	return func(mailbox, pin string) bool {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		exts, err := db.List(ctx)
		if err != nil {
			slog.Warn("pin check could not list extensions", "error", err)
			return false
		}
		for i := range exts {
			if exts[i].MailboxID != mailbox || exts[i].PINHash == "" {
				continue
			}
			ok, err := store.CheckPassword(pin, exts[i].PINHash)
			return err == nil && ok
		}
		return false
	}
}
