package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/simulator/internal/common"
	"github.com/G-Research/simulator/internal/simulator/agent"
	"github.com/G-Research/simulator/internal/simulator/configuration"
)

const customConfigLocation = "config"

// RootCmd is the root Cobra command of the agent.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "agent",
		Short:        "agent runs a broker and the workers the coordinator asks for on this machine.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringSlice(
		customConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(runCmd())
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the agent and serve the coordinator until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			common.ConfigureLogging()
			userConfigs, err := cmd.Flags().GetStringSlice(customConfigLocation)
			if err != nil {
				return err
			}
			var config configuration.AgentConfiguration
			common.LoadConfig(&config, "./config/agent", userConfigs, cmd.Flags())

			if config.MetricsPort > 0 {
				common.ConfigureLoggingMetrics()
				defer common.ServeMetrics(config.MetricsPort)()
			}

			shutdown, wg, err := agent.StartUp(config)
			if err != nil {
				return errors.WithMessage(err, "unable to start the agent")
			}

			stopSignal := make(chan os.Signal, 1)
			signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-stopSignal
				log.Infof("Received %s, stopping", sig)
				shutdown()
			}()

			wg.Wait()
			return nil
		},
	}
	// Names match the configuration keys they override.
	cmd.Flags().Int("agentIndex", 0, "Index of this agent, as registered by the coordinator")
	cmd.Flags().String("publicAddress", "", "Address the coordinator and workers use to reach this machine")
	cmd.Flags().String("sessionId", "", "Session the worker homes are grouped under")
	return cmd
}
