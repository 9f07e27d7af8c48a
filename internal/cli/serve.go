package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/litmajor/mtaa-elders/internal/config"
	"github.com/litmajor/mtaa-elders/internal/council"
	"github.com/litmajor/mtaa-elders/internal/reload"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the council until interrupted",
	Long: `Starts the watcher loop, alert webhooks, the optional NATS link and
snapshots. Ethics strict mode and framework hot-reload when the config
file changes.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, hash, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}

	c, err := council.New(cfg, func(o *council.Options) { o.Logger = log })
	if err != nil {
		return err
	}
	defer c.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		return err
	}

	path := viper.GetString("config")
	reloader, err := reload.New(reload.Func(func() error {
		next, h, err := config.LoadWithHash(path)
		if err != nil {
			return err
		}
		log.Info("config changed", "config_hash", h)
		return c.Apply(next)
	}), []string{path}, log)
	if err != nil {
		log.Warn("hot-reload disabled", "error", err)
	} else {
		go reloader.Run(ctx)
	}

	log.Info("elders serving", "config", path, "config_hash", hash)
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}
