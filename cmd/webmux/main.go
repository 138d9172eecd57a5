package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tailscale.com/tsnet"

	"github.com/loppo-llc/webmux/internal/notify"
	"github.com/loppo-llc/webmux/internal/server"
	"github.com/loppo-llc/webmux/internal/session"
	"github.com/loppo-llc/webmux/internal/tmux"
)

var version = "0.1.0"

func main() {
	port := flag.Int("port", 8080, "port number (auto-increments if busy)")
	local := flag.Bool("local", false, "listen on localhost only (no Tailscale)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	pollInterval := flag.Duration("poll-interval", 2*time.Second, "tmux state poll interval")
	noStore := flag.Bool("no-store", false, "disable session metadata persistence")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Println("webmux", version)
		return
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *session.Store
	if !*noStore {
		home, _ := os.UserHomeDir()
		path := filepath.Join(home, ".config", "webmux", "sessions.db")
		var err error
		store, err = session.OpenStore(ctx, path, logger)
		if err != nil {
			logger.Warn("session store unavailable, continuing without persistence", "err", err)
		} else {
			defer store.Close()
		}
	}

	notifyMgr, err := notify.NewManager(logger)
	if err != nil {
		logger.Warn("push notifications unavailable", "err", err)
		notifyMgr = nil
	}

	detector := tmux.NewDetector(0)
	var monitor *tmux.Monitor
	if detector.IsAvailable(ctx) {
		monitor = tmux.NewMonitor(detector, *pollInterval, logger)
	} else {
		logger.Info("tmux not found, session attachment disabled")
	}

	srv := server.New(server.Config{
		Addr:          fmt.Sprintf(":%d", *port),
		Logger:        logger,
		Version:       version,
		NotifyManager: notifyMgr,
		Store:         store,
		Detector:      detector,
		Monitor:       monitor,
	})

	if monitor != nil {
		go monitor.Run(ctx)
	}

	if *local {
		ln, err := listenWithFallback("127.0.0.1", *port, 10, logger)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "\n  webmux v%s running at:\n\n    http://%s\n\n", version, ln.Addr().String())
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()
	} else {
		tsServer := &tsnet.Server{
			Hostname: "webmux",
			Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
		}

		ln, err := tsServer.ListenTLS("tcp", fmt.Sprintf(":%d", *port))
		if err != nil {
			logger.Error("failed to listen on tailscale", "err", err)
			os.Exit(1)
		}

		fmt.Fprintf(os.Stderr, "\n  webmux v%s running at:\n\n", version)
		lc, _ := tsServer.LocalClient()
		if lc != nil {
			if status, err := lc.Status(ctx); err == nil {
				if status.Self != nil {
					dnsName := strings.TrimSuffix(status.Self.DNSName, ".")
					if dnsName != "" {
						if *port == 443 {
							fmt.Fprintf(os.Stderr, "    https://%s\n", dnsName)
						} else {
							fmt.Fprintf(os.Stderr, "    https://%s:%d\n", dnsName, *port)
						}
					}
				}
				for _, ip := range status.TailscaleIPs {
					fmt.Fprintf(os.Stderr, "    https://%s:%d\n", ip, *port)
				}
			} else {
				logger.Warn("could not get tailscale status", "err", err)
			}
		}
		fmt.Fprintln(os.Stderr)

		go func() {
			// TLS terminates in the tsnet listener.
			srv.SetTLSConfig(&tls.Config{})
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()

		defer tsServer.Close()
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}

func listenWithFallback(host string, startPort, maxAttempts int, logger *slog.Logger) (net.Listener, error) {
	for i := range maxAttempts {
		port := startPort + i
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				logger.Info("port was busy, using fallback", "requested", startPort, "actual", port)
			}
			return ln, nil
		}
		if !strings.Contains(err.Error(), "address already in use") {
			return nil, err
		}
	}
	return nil, fmt.Errorf("all ports %d-%d are in use", startPort, startPort+maxAttempts-1)
}
