package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"siteorder/internal/app"
	"siteorder/internal/config"
	"siteorder/internal/db"
	"siteorder/internal/domain"
	"siteorder/internal/engine"
	"siteorder/internal/inference"
	"siteorder/internal/migrate"
)

var workerFlag string

var rootCmd = &cobra.Command{
	Use:   "so",
	Short: "Siteorder CLI",
	Long: `Siteorder turns what a worker says on site into supply orders.
Core concepts:
- Workspace: the .siteorder directory holding the database, next to siteorder.yml.
- Project: a construction site with its own catalogue, workers and auto-approval threshold.
- Turn: one spoken request ("five boxes of screws", "add the second one") run through intent resolution and product matching.
- Cart: the worker's pending lines, note and priority, kept between turns.
- Queue: orders waiting for the order endpoint; drained when the device is online and retried with a budget.
- Kit: a named list of products ordered together.
- Event log: diary of turns, orders and queue transitions, view with 'so log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		// The workspace .env fills in variables the environment leaves unset.
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return setupLogging(viper.GetString("log-level"))
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SITEORDER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("openai-api-key", "SITEORDER_OPENAI_API_KEY", "OPENAI_API_KEY")
	_ = viper.BindEnv("gemini-api-key", "SITEORDER_GEMINI_API_KEY", "GEMINI_API_KEY")
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier recorded in the event log")
	flags.String("project", "", "project id (overrides config and SITEORDER_PROJECT)")
	flags.StringVar(&workerFlag, "worker", "", "worker id (defaults to SITEORDER_WORKER)")
	flags.String("server", "", "order endpoint base URL; orders are placed locally when empty")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "server", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(supplierCmd())
	rootCmd.AddCommand(productCmd())
	rootCmd.AddCommand(kitCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(turnCmd())
	rootCmd.AddCommand(cartCmd())
	rootCmd.AddCommand(checkoutCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(favoritesCmd())
	rootCmd.AddCommand(speechCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func setupLogging(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid --log-level %q", level)
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage siteorder.yml",
		Long:  "siteorder.yml holds the default project, the inference provider, speech settings, matcher tuning, queue retry budget, the approval threshold and webhooks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var projectID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default siteorder.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "", "default project id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	_ = cmd.MarkFlagRequired("project-id")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate siteorder.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// --- helpers ---

func loadConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("")
	}
	return cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := loadConfig(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	e.Gateway = newGateway(ctx, cfg)
	return fn(ctx, e)
}

// newGateway falls back to the disabled gateway, so every stage uses its
// rule-based path, when the provider cannot be built.
func newGateway(ctx context.Context, cfg *config.Config) inference.Gateway {
	var key string
	switch strings.ToLower(cfg.Inference.Provider) {
	case "openai":
		key = viper.GetString("openai-api-key")
	case "gemini":
		key = viper.GetString("gemini-api-key")
	}
	gw, err := inference.New(ctx, inference.Options{
		Provider: cfg.Inference.Provider,
		Model:    cfg.Inference.Model,
		BaseURL:  cfg.Inference.BaseURL,
		APIKey:   key,
		Timeout:  cfg.InferenceTimeout(),
		Logger:   logrus.StandardLogger(),
	})
	if err != nil {
		logrus.WithError(err).Debug("inference disabled")
		return inference.Disabled()
	}
	return gw
}

func activeProject(ctx context.Context, e engine.Engine) (domain.Project, error) {
	return app.ResolveProject(ctx, viper.GetString("project"), e.Config, e.Repo)
}

func activeWorker() (string, error) {
	return app.ResolveWorker(strings.TrimSpace(workerFlag), viper.GetString("worker"))
}
