package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/simulator/internal/common"
	"github.com/G-Research/simulator/internal/simulator/configuration"
	"github.com/G-Research/simulator/internal/simulator/coordinator"
)

const customConfigLocation = "config"

// RootCmd is the root Cobra command of the coordinator.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "coordinator",
		Short:        "coordinator deploys workers on the configured agents and supervises them.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringSlice(
		customConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(runCmd(), planCmd())
	return cmd
}

func loadConfig(cmd *cobra.Command) (configuration.CoordinatorConfiguration, error) {
	var config configuration.CoordinatorConfiguration
	userConfigs, err := cmd.Flags().GetStringSlice(customConfigLocation)
	if err != nil {
		return config, err
	}
	common.LoadConfig(&config, "./config/coordinator", userConfigs, nil)
	if err := config.Validate(); err != nil {
		return config, errors.WithMessage(err, "invalid coordinator configuration")
	}
	return config, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Deploy the workers and run until they finish, a critical failure occurs or the process is interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			common.ConfigureLogging()
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if config.MetricsPort > 0 {
				common.ConfigureLoggingMetrics()
				defer common.ServeMetrics(config.MetricsPort)()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := coordinator.NewCoordinator(config)
			defer func() {
				if err := c.Close(); err != nil {
					log.WithError(err).Warn("Error closing the coordinator")
				}
			}()
			log.Infof("Starting session %s", c.SessionID())
			return c.Run(ctx)
		},
	}
}

func planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the deployment plan without contacting any agent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			common.ConfigureCommandLineLogging()
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			c := coordinator.NewCoordinator(config)
			defer c.Close()
			if err := c.RegisterAgents(); err != nil {
				return err
			}
			plan, err := c.Plan()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), plan.String())
			return nil
		},
	}
}
