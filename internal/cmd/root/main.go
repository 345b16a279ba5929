package root

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dashobd/internal/config"
	"dashobd/internal/displayer"
	"dashobd/internal/dtc"
	"dashobd/internal/fuel"
	"dashobd/internal/metrics"
	"dashobd/internal/obd"
	"dashobd/internal/obd/mock"
	"dashobd/internal/obd/serial"
	"dashobd/internal/poller"
	"dashobd/internal/server"
	"dashobd/internal/sink"
	"dashobd/pkg/log"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func Run(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}

	logPath := ""
	if !cfg.NoTUI {
		logPath = cfg.LogFile
	}
	if err := log.InitLogger(cfg.Debug, logPath); err != nil {
		fmt.Printf("error: failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var gw obd.Gateway
	if cfg.Mock {
		gw = mock.New(mock.WithFailureRate(cfg.MockFailureRate))
	} else {
		var opts []serial.Option
		if cfg.DTCSweep {
			opts = append(opts, serial.WithModuleSweep(serial.DefaultModules...))
		}
		gw = serial.New(cfg.Port, cfg.Baud, opts...)
	}
	bus := obd.NewBus(gw)

	if err := bus.Start(ctx); err != nil {
		log.Fatal("failed to start OBD provider", zap.Error(err))
	}
	defer bus.Stop()

	scheduler := poller.New(bus, metrics.NewReader(), fuel.NewAccumulator())

	var dtcOpts []dtc.Option
	var exporter *sink.PrometheusExporter
	if cfg.HTTPAddr != "" {
		exporter, err = sink.NewPrometheusExporter(nil)
		if err != nil {
			log.Fatal("failed to register metrics", zap.Error(err))
		}
		scheduler.Subscribe(exporter.Publish)
		dtcOpts = append(dtcOpts, dtc.WithObserver(exporter.ObserveDTC))
	}
	manager := dtc.NewManager(bus, dtcOpts...)

	if exporter != nil {
		hub := server.NewHub()
		go hub.Run(ctx)
		scheduler.Subscribe(hub.Publish)

		srv := server.New(scheduler, manager, hub, promhttp.Handler())
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.HTTPAddr); err != nil {
				log.Error("HTTP server failed", zap.Error(err))
			}
		}()
	}

	if cfg.MQTT.Broker != "" {
		pub := sink.NewMQTTPublisher(sink.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
		}, manager)
		if err := pub.Connect(); err != nil {
			log.Warn("MQTT disabled", zap.Error(err))
		} else {
			defer pub.Disconnect()
			scheduler.Subscribe(pub.Publish)
		}
	}

	if cfg.NoTUI {
		runHeadless(ctx, os.Stdout, scheduler, manager, cfg.Interval)
		return
	}

	d := displayer.New(bus, scheduler, manager)
	if err := scheduler.Start(ctx, cfg.Interval); err != nil {
		log.Fatal("failed to start poller", zap.Error(err))
	}
	defer scheduler.Stop()

	if err := d.Run(ctx); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}
