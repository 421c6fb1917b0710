package cmd

import (
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/open-feature/flagops/pkg/runtime"
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start flagops",
	Long:  ``,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		logger := log.WithField("component", "runtime")
		rt, err := runtime.FromConfig(ctx, runtime.Config{
			Port:           viper.GetInt32("port"),
			AllowedOrigins: viper.GetStringSlice("cors-origin"),
			StoreDriver:    viper.GetString("store"),
			StoreDSN:       viper.GetString("store-dsn"),
			FlagFile:       viper.GetString("uri"),
			AuditRetry:     viper.GetString("audit-retry"),
		}, logger)
		if err != nil {
			return err
		}

		if err := rt.Start(ctx); err != nil {
			log.WithError(err).Error("flagops stopped")
			return err
		}
		log.Info("flagops stopped")
		return nil
	},
}

func init() {
	flags := startCmd.Flags()
	flags.Int32P("port", "p", 8080, "Port to listen on")
	flags.StringSlice("cors-origin", nil, "Origins allowed by CORS (default all)")
	flags.StringP("store", "s", "memory", "Flag store: memory, sqlite or postgres")
	flags.String("store-dsn", "", "Data source name of the sqlite or postgres store")
	flags.StringP("uri", "f", "", "Flag file to seed and sync flags from")
	flags.String("audit-retry", runtime.DefaultAuditRetry, "Schedule for retrying failed audit appends")
	_ = viper.BindPFlags(flags)

	rootCmd.AddCommand(startCmd)
}
