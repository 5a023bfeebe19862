// Command liqiproxy runs the MITM WebSocket proxy described by spec.md: a
// TLS-intercepting local proxy that rewrites the Majsoul/Liqi client's
// traffic according to the operator's settings.json.
//
// Grounded on the teacher's cmd/api/main.go bring-up shape (config.Get
// singleton, gorilla/mux admin router, SIGTERM-driven graceful shutdown with
// a timeout context) and on original_source/src/main.rs's disclaimer banner
// and should_restart outer loop, carried into Go as an explicit restart flag
// returned by run().
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/majsoul/liqiproxy/internal/adminhttp"
	"github.com/majsoul/liqiproxy/internal/catalog"
	"github.com/majsoul/liqiproxy/internal/config"
	"github.com/majsoul/liqiproxy/internal/forwarder"
	"github.com/majsoul/liqiproxy/internal/modifier"
	"github.com/majsoul/liqiproxy/internal/prefs"
	"github.com/majsoul/liqiproxy/internal/proxy"
	"github.com/majsoul/liqiproxy/internal/registry"
	"github.com/majsoul/liqiproxy/internal/session"
	"github.com/majsoul/liqiproxy/internal/update"
)

// updateCheckInterval is the periodic update-checker task's poll period
// (spec §6, grounded on original_source/src/main.rs's periodic_update_check
// using a 5-minute tokio::time::interval).
const updateCheckInterval = 5 * time.Minute

// version is the proxy's own build version, independent of the client's
// liqiVersion (settings.json's "liqiVersion" field tracks the latter).
const version = "0.1.0"

const banner = `
liqiproxy %s

This project is free and open source. If you paid for this program, demand a refund.

For educational and research use only. Strictly no commercial use.
Comply with local law; the authors accept no liability for how this program is used.
`

const (
	exitOK = iota
	exitConfigError
	exitListenError
)

func main() {
	configDir := flag.String("config-dir", "./liqi_config", "directory holding settings.json, settings.mod.json, liqi.json, and lqc.lqbin")
	adminAddr := flag.String("admin-addr", "127.0.0.1:23411", "bind address for the local /healthz, /metrics, /debug/sessions surface")
	flag.Parse()

	fmt.Printf(banner, version)

	for {
		restart, code := run(*configDir, *adminAddr)
		if code != exitOK {
			slog.Error("liqiproxy: fatal startup error, exiting")
			time.Sleep(5 * time.Second)
			os.Exit(code)
		}
		if !restart {
			os.Exit(exitOK)
		}
		slog.Info("liqiproxy: restarting")
		time.Sleep(1 * time.Second)
	}
}

// run performs one full bring-up/serve/shutdown cycle and reports whether
// the caller should loop again (an update-triggered restart) or exit, plus
// a process exit code for fatal startup failures (spec §7).
func run(configDirPath, adminAddr string) (restart bool, code int) {
	dir := config.ConfigDir{Path: configDirPath}

	// Load, not Get: each restart re-reads settings.json rather than reusing
	// the process-wide singleton, so an operator's edit takes effect across
	// an auto-update-triggered restart without a full process respawn.
	settings, err := config.Load(dir.Settings())
	if err != nil {
		slog.Error("liqiproxy: loading settings.json failed", "error", err)
		return false, exitConfigError
	}
	settings.Finalize()

	slog.Info("liqiproxy: feature switches",
		"helper", settings.HelperSwitch,
		"mod", settings.ModSwitch,
		"autoUpdate", settings.AutoUpdate,
		"liqiVersion", settings.LiqiVersion,
	)

	reg, err := registry.LoadFiles(dir.DescriptorSet(), dir.Manifest())
	if err != nil {
		slog.Error("liqiproxy: loading protocol descriptors failed", "error", err)
		return false, exitConfigError
	}

	cat, err := catalog.Load(reg, dir.ContentBundle())
	if err != nil {
		slog.Warn("liqiproxy: loading content catalog failed, continuing with an empty catalog", "error", err)
		cat = catalog.Empty()
	}

	prefStore, err := prefs.Load(dir.ModSettings())
	if err != nil {
		slog.Error("liqiproxy: loading mod preferences failed", "error", err)
		return false, exitConfigError
	}

	// A startup update check mirrors original_source/src/main.rs's
	// run_application: when new content is already waiting, restart into it
	// immediately rather than serving one cycle with stale lqc.lqbin/liqi.json.
	if settings.AutoUpdate {
		checker := update.New(dir, settings.GithubToken)
		newVersion, updated, err := checker.Check(context.Background(), settings.LiqiVersion)
		if err != nil {
			slog.Warn("liqiproxy: startup update check failed", "error", err)
		} else if updated {
			settings.LiqiVersion = newVersion
			if serr := config.Save(dir.Settings(), settings); serr != nil {
				slog.Warn("liqiproxy: saving updated liqiVersion failed", "error", serr)
			}
			slog.Info("liqiproxy: content updated at startup, restarting", "version", newVersion)
			return true, exitOK
		}
	}

	ca, err := proxy.LoadOrGenerateCA(configDirPath)
	if err != nil {
		slog.Error("liqiproxy: loading or generating the MITM certificate authority failed", "error", err)
		return false, exitConfigError
	}

	mod := modifier.New(reg, prefStore, cat)

	fwd := forwarder.New(settings.APIUrl, reg, settings.AllowsMethod, settings.AllowsAction)
	fwd.Start(4)
	defer fwd.Stop()

	p := proxy.New(ca, func() *session.Parser { return session.New(reg) }, mod, fwd)

	admin := adminhttp.New(version)
	adminServer := &http.Server{Addr: adminAddr, Handler: admin.Handler()}
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Warn("liqiproxy: admin http server stopped", "error", err)
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		adminServer.Shutdown(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("liqiproxy: listening", "addr", settings.ProxyAddr, "admin_addr", adminAddr)
		serveErr <- p.ListenAndServe(settings.ProxyAddr)
	}()

	// The periodic update-checker task (spec §2, §6): only runs while
	// AutoUpdate is on, and only ever sends once — finding an update is this
	// cycle's cue to restart, not to keep polling mid-serve.
	updateRestart := make(chan string, 1)
	checkerCtx, cancelChecker := context.WithCancel(context.Background())
	defer cancelChecker()
	if settings.AutoUpdate {
		checker := update.New(dir, settings.GithubToken)
		go periodicUpdateCheck(checkerCtx, checker, settings.LiqiVersion, updateRestart)
	}

	select {
	case <-sigChan:
		slog.Info("liqiproxy: shutdown signal received")
		return false, exitOK
	case err := <-serveErr:
		slog.Error("liqiproxy: proxy listener exited", "error", err)
		return false, exitListenError
	case newVersion := <-updateRestart:
		settings.LiqiVersion = newVersion
		if serr := config.Save(dir.Settings(), settings); serr != nil {
			slog.Warn("liqiproxy: saving updated liqiVersion failed", "error", serr)
		}
		slog.Info("liqiproxy: periodic update check found new content, restarting", "version", newVersion)
		return true, exitOK
	}
}

// periodicUpdateCheck polls updateCheckInterval apart until ctx is canceled
// or an update is found, in which case it reports the new version on
// restart and returns — the caller (run) owns tearing everything else down.
func periodicUpdateCheck(ctx context.Context, checker *update.Checker, currentVersion string, restart chan<- string) {
	ticker := time.NewTicker(updateCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			newVersion, updated, err := checker.Check(ctx, currentVersion)
			if err != nil {
				slog.Warn("liqiproxy: periodic update check failed", "error", err)
				continue
			}
			if updated {
				restart <- newVersion
				return
			}
		}
	}
}

