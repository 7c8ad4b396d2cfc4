package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"civicroute/internal/notify"
	"civicroute/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, escalation monitor and notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.PingRedis(cmd.Context()); err != nil {
				return err
			}
			cfg := a.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if addr == "" {
				addr = "127.0.0.1:8080"
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				secret = cfg.Server.JWTSecret
			}
			if secret == "" {
				a.Logger.Warn("no JWT secret configured; trusting X-Actor-Id headers")
			}

			var hub *notify.Hub
			if cfg.Notify.WebSocket {
				hub = notify.NewHub(a.Logger, nil)
				defer hub.Close()
			}
			monitor := a.Monitor()
			handler, err := server.New(server.Config{
				Engine:         a.Engine,
				BasePath:       basePath,
				Auth:           server.AuthConfig{JWTSecret: secret, AllowActorHeader: allowActorHeader},
				Monitor:        monitor,
				Hub:            hub,
				AllowedOrigins: cfg.Server.AllowedOrigins,
				Logger:         a.Logger,
			})
			if err != nil {
				return err
			}
			dispatcher := a.Dispatcher(hub)

			g, ctx := errgroup.WithContext(cmd.Context())
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g.Go(func() error {
				<-ctx.Done()
				shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdown)
			})
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			if cfg.Escalation.Enabled {
				g.Go(func() error { return monitor.Run(ctx) })
			}
			if len(dispatcher.Sinks()) > 0 {
				g.Go(func() error { return dispatcher.Run(ctx) })
			}
			a.Logger.Info("serving",
				"addr", addr,
				"base_path", basePath,
				"escalation", cfg.Escalation.Enabled,
				"sinks", dispatcher.Sinks())
			fmt.Printf("Serving civic API on http://%s%s (OpenAPI at %s/openapi.json, docs at %s/docs)\n", addr, basePath, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id alongside bearer tokens")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (env CIVIC_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
