package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"siteorder/internal/engine"
	"siteorder/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowDevLogin, allowWorkerHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long: `Serves the order, cart, favorites, history and voice endpoints.
Bearer tokens are signed with SITEORDER_JWT_SECRET. Audio endpoints need OPENAI_API_KEY.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logrus.StandardLogger()
			log.SetFormatter(&logrus.JSONFormatter{})
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:         viper.GetString("jwt-secret"),
					AllowDevLogin:     allowDevLogin,
					AllowWorkerHeader: allowWorkerHeader,
				}
				if authCfg.JWTSecret == "" && !allowWorkerHeader {
					return fmt.Errorf("SITEORDER_JWT_SECRET is required for bearer auth")
				}
				cfg := server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Log: log}
				if viper.GetString("openai-api-key") != "" {
					client, err := speechClient(e.Config)
					if err != nil {
						return err
					}
					cfg.Transcriber = client
					cfg.Synthesizer = client
				} else {
					log.Warn("no OpenAI key; audio endpoints disabled")
				}
				handler, err := server.New(cfg)
				if err != nil {
					return err
				}
				if d := server.NewWebhookDispatcher(e, log); d != nil {
					go d.Run(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				log.WithField("addr", addr).WithField("base_path", basePath).Info("serving siteorder API (OpenAPI at /openapi.json, Swagger UI at /docs)")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowDevLogin, "allow-dev-login", false, "enable POST /auth/dev/login")
	cmd.Flags().BoolVar(&allowWorkerHeader, "allow-worker-header", false, "trust X-Worker-Id without credentials (development only)")
	return cmd
}
