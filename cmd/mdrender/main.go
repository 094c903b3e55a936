// mdrender serves a GitHub-compatible markdown endpoint for local development,
// so the embed server can run with -renderer-url http://localhost:8090/markdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/keithlinneman/mdembed/internal/health"
	"github.com/keithlinneman/mdembed/internal/httpserver"
	"github.com/keithlinneman/mdembed/internal/log"
	"github.com/keithlinneman/mdembed/internal/mdrender"
	v "github.com/keithlinneman/mdembed/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		port     int
		logLevel string
		logJSON  bool
	)
	flag.IntVar(&port, "http-port", 8090, "listen port")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	flag.BoolVar(&logJSON, "log-json", false, "log in JSON format")
	flag.Parse()

	lvl, err := log.ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", logLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:        v.AppName,
		Version:    v.Version,
		Commit:     v.Commit,
		BuildId:    v.BuildId,
		Level:      lvl,
		JsonFormat: logJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "mdrender")
	ctx = log.WithContext(ctx, L)

	_, _ = maxprocs.Set(maxprocs.Logger(func(string, ...any) {}))

	rd := mdrender.New(L)
	httpStop, err := httpserver.Start(ctx, httpserver.Options{
		Port:         port,
		Logger:       L,
		Health:       health.Fixed(true, ""),
		Readiness:    health.Fixed(true, ""),
		APIRoutes:    rd.RegisterRoutes,
		UseRecoverMW: true,
		MaxBodyBytes: 4 << 20,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "http server shutdown")
	}
}
