package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"clashwatcher/backend"
	"clashwatcher/config"
	"clashwatcher/health"
	"clashwatcher/node"
	"clashwatcher/runner"
	"clashwatcher/subscription"
	"clashwatcher/watcher"
)

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	if os.Getenv("CLASHWATCHER_DEBUG") != "" {
		log.SetLevel(log.DebugLevel)
	}

	var configPath string
	flag.StringVar(&configPath, "config", "", "path to clashwatcher.yaml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Fatal("configuration rejected")
	}

	w, err := buildWatcher(cfg)
	if err != nil {
		log.WithError(err).Fatal("watcher rejected")
	}

	var managed *runner.DockerRunner
	if cfg.Backend.Managed {
		managed, err = runner.NewDockerRunner(runner.Options{
			ContainerName: cfg.Backend.ContainerName,
			ControlAddr:   controlHostPort(cfg),
		})
		if err != nil {
			log.WithError(err).Fatal("managed backend rejected")
		}
		startCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err = managed.Start(startCtx)
		cancel()
		if err != nil {
			log.WithError(err).Fatal("managed backend did not come up")
		}
	}

	// Initial refresh so the jobs have a pool to work with; a failure
	// here is not fatal, the updater job retries on schedule.
	refreshCtx, cancel := context.WithTimeout(context.Background(), cfg.Subscription.Timeout.Std()+cfg.Backend.Timeout.Std())
	if err := w.RefreshNow(refreshCtx); err != nil {
		log.WithError(err).Warn("initial refresh failed, waiting for the updater job")
	}
	cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.WithField("signal", s.String()).Info("shutting down")
		w.Shutdown()
	}()

	w.Startup(cfg.Watcher.Blocking)
	<-w.Done()

	if managed != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := managed.Stop(stopCtx); err != nil {
			log.WithError(err).Error("managed backend did not stop cleanly")
		}
		cancel()
	}
}

func buildWatcher(cfg *config.Config) (*watcher.Watcher, error) {
	filter := node.Filter{
		Include: cfg.Subscription.Include,
		Exclude: cfg.Subscription.Exclude,
	}
	fetcher := subscription.NewFetcher(cfg.Subscription.Link, filter, cfg.Subscription.Timeout.Std())

	client := backend.NewClient(backend.Config{
		ControllerURL: cfg.Backend.ControllerURL,
		Secret:        cfg.Backend.Secret,
		Selector:      cfg.Backend.Selector,
		ProbeURL:      cfg.Watcher.ProbeURL,
		ProxyAddress:  cfg.Backend.ProxyAddress,
		Timeout:       cfg.Backend.Timeout.Std(),
	})

	evaluator := health.Evaluator{
		Staleness:      cfg.Watcher.Staleness.Std(),
		LatencyCeiling: cfg.Watcher.LatencyCeilingMs,
	}

	updater, err := jobOptions(cfg.Watcher.Updater)
	if err != nil {
		return nil, fmt.Errorf("updater: %w", err)
	}
	changer, err := jobOptions(cfg.Watcher.Changer)
	if err != nil {
		return nil, fmt.Errorf("changer: %w", err)
	}
	checker, err := jobOptions(cfg.Watcher.Checker)
	if err != nil {
		return nil, fmt.Errorf("checker: %w", err)
	}

	return watcher.New(watcher.Options{
		Fetcher:          fetcher,
		Backend:          client,
		Evaluator:        evaluator,
		DaemonConfigPath: cfg.Subscription.ConfigPath,
		Render: subscription.RenderOptions{
			BindAddress:        cfg.Backend.BindAddress,
			MixedPort:          cfg.Backend.MixedPort,
			ExternalController: controlHostPort(cfg),
		},
		ProbeTimeout: cfg.Watcher.ProbeTimeout.Std(),
		DrainTimeout: cfg.Watcher.DrainTimeout.Std(),
		Updater:      updater,
		Changer:      changer,
		Checker:      checker,
	})
}

func jobOptions(jc config.JobConfig) (watcher.JobOptions, error) {
	if !jc.Enabled {
		return watcher.JobOptions{}, nil
	}
	trigger, err := watcher.ParseTrigger(jc.Trigger.Kind, jc.Trigger.Every.Std(), jc.Trigger.At)
	if err != nil {
		return watcher.JobOptions{}, err
	}
	return watcher.JobOptions{Enabled: true, Trigger: trigger}, nil
}

// controlHostPort extracts host:port from the controller URL, used both
// for the rendered external-controller line and the runner's port wait.
func controlHostPort(cfg *config.Config) string {
	u, err := url.Parse(cfg.Backend.ControllerURL)
	if err != nil {
		return ""
	}
	return u.Host
}
