package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sectiond/pkg/config"
	"sectiond/pkg/node"
)

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"local-addr":         "local_addr",
	"first":              "first",
	"genesis-key":        "genesis_key",
	"contacts":           "hard_coded_contacts",
	"data-dir":           "data_dir",
	"max-capacity":       "max_capacity",
	"joins-allowed":      "joins_allowed",
	"elder-count":        "elder_count",
	"response-threshold": "response_threshold",
	"admin-addr":         "admin_addr",
	"metrics-addr":       "metrics_addr",
	"log-level":          "log_level",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for flag, key := range flagKeys {
		f := flags.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", flag, err)
		}
	}
	return nil
}

// loadConfig reads the config file, environment and the flags of cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	}
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func nodeCmd() *cobra.Command {
	d := config.Default()
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a section node",
		Long: `Start a node. With --first it starts a new network as its genesis elder,
otherwise it joins through --contacts and the network of --genesis-key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := setupLogger(cfg.LogLevel, verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			n, err := node.New(cfg, node.Options{}, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting node",
				zap.Stringer("name", n.Name()),
				zap.String("address", cfg.LocalAddr),
				zap.Bool("first", cfg.First),
				zap.Strings("contacts", cfg.HardCodedContacts))

			runErr := n.Run(ctx)
			if errors.Is(runErr, context.Canceled) {
				runErr = nil
			}
			logger.Info("Shutting down node")
			return multierr.Append(runErr, n.Stop())
		},
	}

	flags := cmd.Flags()
	flags.String("local-addr", d.LocalAddr, "address to listen on and advertise to the section")
	flags.Bool("first", false, "start a new network as its genesis node")
	flags.String("genesis-key", "", "hex genesis key of the network to join")
	flags.StringSlice("contacts", nil, "addresses of known nodes to join through")
	flags.String("data-dir", d.DataDir, "directory for keys, chunks and the prefix map")
	flags.String("max-capacity", "1GiB", "storage budget, e.g. 512MB or 10GiB")
	flags.Bool("joins-allowed", d.JoinsAllowed, "accept new nodes into the section")
	flags.Int("elder-count", d.ElderCount, "number of elders of a full section")
	flags.Int("response-threshold", d.ResponseThreshold, "matching adult responses needed to answer a query")
	flags.String("admin-addr", d.AdminAddr, "admin gRPC address, empty to disable")
	flags.String("metrics-addr", d.MetricsAddr, "metrics and health HTTP address, empty to disable")
	flags.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")

	return cmd
}
