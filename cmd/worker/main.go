package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/G-Research/simulator/internal/common"
	"github.com/G-Research/simulator/internal/simulator/address"
	"github.com/G-Research/simulator/internal/simulator/worker"
)

// Started by the agent through a worker script; everything it needs is passed in the environment.
func main() {
	common.ConfigureLogging()

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("PING_INTERVAL", "5s")
	v.SetDefault("PING_TIMEOUT", "2s")

	workerAddress, err := address.Parse(v.GetString("WORKER_ADDRESS"))
	if err != nil {
		log.WithError(err).Fatal("Invalid WORKER_ADDRESS")
	}
	config := worker.ServiceConfig{
		WorkerAddress: workerAddress,
		Home:          v.GetString(worker.EnvWorkerHome),
		BrokerURL:     v.GetString(worker.EnvBrokerURL),
		MemberAddress: v.GetString("MEMBER_ADDRESS"),
		PingInterval:  v.GetDuration("PING_INTERVAL"),
		PingTimeout:   v.GetDuration("PING_TIMEOUT"),
	}

	service := worker.NewService(config, worker.NewLoggingTestFactory())
	if err := service.Start(); err != nil {
		log.WithError(err).Fatal("Unable to start the worker")
	}

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stopSignal:
		log.Infof("Received %s, stopping", sig)
	case <-service.Done():
	}
	if !service.ForceExit() {
		service.WaitForPhases()
	}
	service.Stop(10 * time.Second)
}
