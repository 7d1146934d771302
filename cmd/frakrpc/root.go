package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"frak-rpc/config"
	"frak-rpc/registry"
)

type rootCommandeer struct {
	cmd        *cobra.Command
	configPath string
	logLevel   string
	address    string
	origin     string
	target     string

	config config.Config
	logger *zap.Logger
}

func newRootCommandeer() *rootCommandeer {
	commandeer := &rootCommandeer{}

	cmd := &cobra.Command{
		Use:           "frakrpc [command]",
		Short:         "Cross-context RPC over sockets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&commandeer.configPath, "config", "c", "", "Path to a YAML configuration file")
	cmd.PersistentFlags().StringVar(&commandeer.logLevel, "log-level", "", "Log level, overrides the configuration")
	cmd.PersistentFlags().StringVarP(&commandeer.address, "address", "a", "", "Socket address, overrides the configuration")
	cmd.PersistentFlags().StringVar(&commandeer.origin, "origin", "", "Origin of this process, overrides the configuration")
	cmd.PersistentFlags().StringVar(&commandeer.target, "target", "", "Origin of the listener to call, overrides the configuration")

	cmd.AddCommand(
		newListenCommandeer(commandeer).cmd,
		newCallCommandeer(commandeer).cmd,
		newSubscribeCommandeer(commandeer).cmd,
		newOriginsCommandeer(commandeer).cmd,
	)

	commandeer.cmd = cmd
	return commandeer
}

// initialize loads the configuration, applies the flags over it and builds
// the logger.
func (rc *rootCommandeer) initialize() error {
	cfg, err := config.Load(rc.configPath)
	if err != nil {
		return err
	}
	if rc.logLevel != "" {
		cfg.LogLevel = rc.logLevel
	}
	if rc.address != "" {
		cfg.Address = rc.address
	}
	if rc.origin != "" {
		cfg.Origin = rc.origin
	}
	if rc.target != "" {
		cfg.Client.TargetOrigin = rc.target
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	rc.config = cfg
	rc.logger = logger
	return nil
}

func (rc *rootCommandeer) openRegistry() (*registry.EtcdRegistry, error) {
	if len(rc.config.Etcd.Endpoints) == 0 {
		return nil, fmt.Errorf("no etcd endpoints configured")
	}
	return registry.NewEtcdRegistry(rc.config.Etcd.Endpoints,
		registry.WithPrefix(rc.config.Etcd.Prefix),
		registry.WithLogger(rc.logger))
}
