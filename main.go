package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cilium/ebpf/rlimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/kubescape/pidtrap/pkg/config"
	"github.com/kubescape/pidtrap/pkg/controller"
	"github.com/kubescape/pidtrap/pkg/controlplane"
	"github.com/kubescape/pidtrap/pkg/framework"
	"github.com/kubescape/pidtrap/pkg/isa"
	"github.com/kubescape/pidtrap/pkg/journal"
	"github.com/kubescape/pidtrap/pkg/logger"
	"github.com/kubescape/pidtrap/pkg/metrics"
	"github.com/kubescape/pidtrap/pkg/tracing"
)

var log = logger.GetLogger()

func checkKubernetesConnection() (*rest.Config, error) {
	// Load the Kubernetes configuration from the default location
	k8sConfig, err := clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
	if err != nil {
		k8sConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, err
		}
	}

	clientset, err := kubernetes.NewForConfig(k8sConfig)
	if err != nil {
		return nil, fmt.Errorf("creating Kubernetes client: %w", err)
	}

	// Send a request to the API server to check if it's reachable
	if _, err := clientset.CoreV1().Namespaces().List(context.TODO(), metav1.ListOptions{Limit: 1}); err != nil {
		return nil, fmt.Errorf("communicating with Kubernetes API server: %w", err)
	}
	return k8sConfig, nil
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func serveHTTP(addr string, registry *prometheus.Registry, cp *controlplane.ControlPlane) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	cp.RegisterHandlers(mux)
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	return server
}

func run(cfg config.Config) error {
	// Raise the rlimit for memlock to the maximum allowed (eBPF needs it)
	if err := rlimit.RemoveMemlock(); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.InitMetrics(registry)

	checker, err := tracing.NewChecker(cfg.ProcRoot)
	if err != nil {
		return err
	}
	installer, err := isa.NewInstaller(cfg.ProcRoot)
	if err != nil {
		return err
	}
	defer installer.Close()

	j := journal.NewJournal(cfg.JournalPath, checker)
	if err := j.Start(); err != nil {
		return err
	}
	defer j.Stop()

	fw := framework.NewRegistry()
	cp, err := controlplane.New(cfg, fw, installer, checker, controlplane.WithJournal(j))
	if err != nil {
		return err
	}
	if n, err := cp.Recover(); err != nil {
		log.WithError(err).Warn("failed to restore some journaled tracepoints")
	} else if n > 0 {
		log.WithField("tracepoints", n).Info("restored tracepoints left by a previous run")
	}

	var k8sConfig *rest.Config
	if cfg.EnableController {
		if k8sConfig, err = checkKubernetesConnection(); err != nil {
			return err
		}
	}

	monitor, err := tracing.NewMonitor(cp, cfg.ProcRoot, cfg.PollInterval, tracing.WithExecTracer(cfg.NodeName, k8sConfig))
	if err != nil {
		return err
	}
	cp.SetTracker(monitor)
	if err := monitor.Start(); err != nil {
		return err
	}
	defer monitor.Stop()

	var ctrl *controller.Controller
	if cfg.EnableController {
		staticClient, err := kubernetes.NewForConfig(k8sConfig)
		if err != nil {
			return err
		}
		dynamicClient, err := dynamic.NewForConfig(k8sConfig)
		if err != nil {
			return err
		}
		ctrl = controller.NewController(cfg.NodeName, staticClient, dynamicClient, cp, fw)
		if err := ctrl.StartController(); err != nil {
			return err
		}
	}

	server := serveHTTP(cfg.MetricsAddr, registry, cp)

	// Wait for shutdown signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown
	log.Info("Shutting down...")

	if ctrl != nil {
		ctrl.StopController()
	}

	return multierr.Combine(server.Shutdown(context.Background()), cp.Shutdown())
}

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML configuration file")
	printSchema := pflag.Bool("print-crd-schema", false, "print the OpenAPI schema of the TracingProbe spec and exit")
	pflag.Parse()

	if *printSchema {
		schema, err := controller.OpenAPISchema()
		if err != nil {
			log.WithError(err).Fatal("Failed to generate schema")
		}
		fmt.Print(string(schema))
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	if err := logger.SetupLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.WithError(err).Fatal("Failed to set up logging")
	}

	if err := run(cfg); err != nil {
		log.WithError(err).Fatal("Failed to run service")
	}
}
