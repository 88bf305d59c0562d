package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"focusshield/internal/metrics"
	"focusshield/internal/proxy"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			if env := os.Getenv("PORT"); env != "" {
				a.cfg.Server.Addr = ":" + env
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, e.g. :81 or 0.0.0.0:8081")
	return cmd
}

func (a *app) serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	pc := proxy.ConfigFrom(a.cfg)
	pc.Store = st
	pc.Logger = a.log
	pc.Metrics = metrics.New()
	handler := proxy.New(pc)
	defer handler.Close()
	if err := handler.Start(ctx); err != nil {
		return err
	}

	connLog := a.log.Named("conn")
	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: handler,
		// Conservative timeouts to avoid slowloris and leaked connections blocking the server
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(a.log.Named("http")),
		ConnState: func(c net.Conn, s http.ConnState) {
			connLog.Debug("CONN", zap.String("state", s.String()), zap.Stringer("remote", c.RemoteAddr()))
		},
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	a.log.Info("listening", zap.String("addr", ln.Addr().String()), zap.String("store", a.cfg.Store.Driver))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
