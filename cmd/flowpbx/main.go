package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/flowpbx/flowpbx/internal/admin"
	"github.com/flowpbx/flowpbx/internal/api"
	"github.com/flowpbx/flowpbx/internal/api/middleware"
	"github.com/flowpbx/flowpbx/internal/config"
	"github.com/flowpbx/flowpbx/internal/database"
	"github.com/flowpbx/flowpbx/internal/email"
	"github.com/flowpbx/flowpbx/internal/prompts"
	"github.com/flowpbx/flowpbx/internal/recording"
	"github.com/flowpbx/flowpbx/internal/runtime"
	sipserver "github.com/flowpbx/flowpbx/internal/sip"
	"github.com/flowpbx/flowpbx/internal/voicemail"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging (text or json format, configurable level).
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting flowpbx",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
		"tls", cfg.TLSEnabled(),
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Extract embedded system prompts to data directory on first boot.
	if err := prompts.ExtractToDataDir(cfg.DataDir); err != nil {
		slog.Error("failed to extract system prompts", "error", err)
		os.Exit(1)
	}

	// Initialize encryptor for sensitive database fields (trunk passwords).
	var enc *database.Encryptor
	if keyBytes, err := cfg.EncryptionKeyBytes(); err != nil {
		slog.Error("failed to decode encryption key", "error", err)
		os.Exit(1)
	} else if keyBytes != nil {
		enc, err = database.NewEncryptor(keyBytes)
		if err != nil {
			slog.Error("failed to create encryptor", "error", err)
			os.Exit(1)
		}
		slog.Info("field encryption enabled")
	} else {
		slog.Warn("no encryption key configured, trunk passwords will be stored in plaintext")
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Load system configuration from database.
	sysConfig, err := database.NewSystemConfigRepository(context.Background(), db)
	if err != nil {
		slog.Error("failed to load system config", "error", err)
		os.Exit(1)
	}

	// Create email sender for voicemail notifications.
	emailSend := email.NewSender(slog.Default())

	// Initialize SIP server.
	sipSrv, err := sipserver.NewServer(cfg, db, enc, sysConfig, emailSend)
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}
	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	// Session store for admin auth.
	sessions := middleware.NewSessionStore()
	middleware.StartCleanupTicker(appCtx, sessions, 15*time.Minute)

	// Voicemail retention cleanup: delete messages older than per-box retention_days.
	voicemail.StartCleanupTicker(appCtx, db, 1*time.Hour)

	// Recording retention cleanup: delete recordings older than recording_max_days setting.
	recording.StartCleanupTicker(appCtx, db, sysConfig, 1*time.Hour)

	// Load all enabled trunks and begin registration / health checks.
	loadTrunks(appCtx, db, sipSrv.TrunkRegistrar(), enc)

	// reloadTrunks stops every running trunk and reloads enabled trunks from
	// the database; wired into Control.ReloadTrunks for the API's hot-reload
	// endpoint.
	reloadTrunks := func(ctx context.Context) error {
		stopped := sipSrv.TrunkRegistrar().StopAllTrunks()
		slog.Info("reload: stopped trunks", "count", len(stopped))
		loadTrunks(ctx, db, sipSrv.TrunkRegistrar(), enc)
		slog.Info("reload: trunks reloaded")
		return nil
	}

	// ctrl is the single control surface over the running instance: active
	// calls, trunk registration, conference rosters, and diagnostics. It
	// replaces the ad hoc per-feature adapters this server used to wire one
	// at a time.
	ctrl := admin.NewControl(sipSrv, db, enc, reloadTrunks)

	// rt bundles configuration, logging, and the metrics collector that
	// scrapes call/trunk/registration state through ctrl at request time.
	rt := runtime.New(cfg, logger, ctrl,
		database.NewRegistrationRepository(db),
		database.NewCDRRepository(db),
		database.NewVoicemailMessageRepository(db),
	)

	// HTTP server using the api package.
	apiHandler := api.NewServer(db, cfg, sessions, sysConfig)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}))
	mux.Handle("/", apiHandler)

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Optional HTTP→HTTPS redirect server (started when TLS is enabled).
	var redirectSrv *http.Server

	errCh := make(chan error, 1)

	switch {
	case cfg.ACMEDomain != "":
		// Automatic TLS via Let's Encrypt (ACME).
		cacheDir := filepath.Join(cfg.DataDir, "acme-certs")
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.ACMEDomain),
			Cache:      autocert.DirCache(cacheDir),
			Email:      cfg.ACMEEmail,
		}
		srv.Addr = ":443"
		srv.TLSConfig = m.TLSConfig()

		// The ACME manager needs to handle HTTP-01 challenges on port 80.
		// Non-challenge requests are redirected to HTTPS.
		redirectSrv = &http.Server{
			Addr:         ":80",
			Handler:      m.HTTPHandler(middleware.HTTPSRedirectHandler()),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  30 * time.Second,
		}

		go func() {
			slog.Info("https server listening (acme)", "addr", srv.Addr, "domain", cfg.ACMEDomain)
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
		go func() {
			slog.Info("http redirect server listening", "addr", redirectSrv.Addr)
			if err := redirectSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("http redirect server error", "error", err)
			}
		}()

	case cfg.TLSCert != "":
		// Manual TLS certificate.
		srv.Addr = fmt.Sprintf(":%d", cfg.HTTPPort)
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		// Start HTTP→HTTPS redirect on port 80 unless the main port is 80.
		if cfg.HTTPPort != 80 {
			redirectSrv = &http.Server{
				Addr:         ":80",
				Handler:      middleware.HTTPSRedirectHandler(),
				ReadTimeout:  5 * time.Second,
				WriteTimeout: 5 * time.Second,
				IdleTimeout:  30 * time.Second,
			}
			go func() {
				slog.Info("http redirect server listening", "addr", redirectSrv.Addr)
				if err := redirectSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					slog.Error("http redirect server error", "error", err)
				}
			}()
		}

		go func() {
			slog.Info("https server listening", "addr", srv.Addr)
			if err := srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

	default:
		// Plain HTTP (no TLS configured).
		srv.Addr = fmt.Sprintf(":%d", cfg.HTTPPort)
		go func() {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	sipSrv.Stop()

	if redirectSrv != nil {
		if err := redirectSrv.Shutdown(ctx); err != nil {
			slog.Error("http redirect server shutdown error", "error", err)
		}
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("flowpbx stopped")
}

// loadTrunks queries the database for all enabled trunks and starts their
// registration or health check loops. Register-type trunks have their
// passwords decrypted before being handed to the SIP trunk registrar.
func loadTrunks(ctx context.Context, db *database.DB, registrar *sipserver.TrunkRegistrar, enc *database.Encryptor) {
	trunks := database.NewTrunkRepository(db)
	enabled, err := trunks.ListEnabled(ctx)
	if err != nil {
		slog.Error("failed to load enabled trunks", "error", err)
		return
	}

	if len(enabled) == 0 {
		slog.Info("no enabled trunks to load")
		return
	}

	slog.Info("loading enabled trunks", "count", len(enabled))

	for _, trunk := range enabled {
		switch trunk.Type {
		case "register":
			// Decrypt password before starting registration.
			if trunk.Password != "" && enc != nil {
				decrypted, err := enc.Decrypt(trunk.Password)
				if err != nil {
					slog.Error("failed to decrypt trunk password, skipping",
						"trunk", trunk.Name,
						"trunk_id", trunk.ID,
						"error", err,
					)
					continue
				}
				trunk.Password = decrypted
			}
			if err := registrar.StartTrunk(ctx, trunk); err != nil {
				slog.Error("failed to start trunk registration",
					"trunk", trunk.Name,
					"trunk_id", trunk.ID,
					"error", err,
				)
			}
		case "ip":
			if err := registrar.StartHealthCheck(ctx, trunk); err != nil {
				slog.Error("failed to start trunk health check",
					"trunk", trunk.Name,
					"trunk_id", trunk.ID,
					"error", err,
				)
			}
		default:
			slog.Warn("unknown trunk type, skipping",
				"trunk", trunk.Name,
				"trunk_id", trunk.ID,
				"type", trunk.Type,
			)
		}
	}
}

