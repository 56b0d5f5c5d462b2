package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	limiter "github.com/openfaas/faas-middleware/concurrency-limiter"

	"github.com/linegate/linegate/auth"
	"github.com/linegate/linegate/config"
	"github.com/linegate/linegate/executor"
	"github.com/linegate/linegate/metrics"
)

var acceptingConnections int32

func main() {
	gateConfig, configErr := config.New(os.Environ())
	if configErr != nil {
		fmt.Fprintf(os.Stderr, "%s\n", configErr.Error())
		os.Exit(1)
	}

	if len(gateConfig.WorkerProcess) == 0 {
		fmt.Fprintf(os.Stderr, "Provide a worker_process environmental variable for your worker.\n")
		os.Exit(1)
	}

	commandName, arguments := gateConfig.Process()

	workerMetrics := metrics.NewWorker()

	supervisor := &executor.Supervisor{
		Process:               commandName,
		ProcessArgs:           arguments,
		WorkingDir:            gateConfig.WorkerDir,
		GracePeriod:           gateConfig.GracePeriod,
		StderrBufferSizeBytes: gateConfig.StderrBufferSizeBytes,
		StdoutBufferSizeBytes: gateConfig.StdoutBufferSizeBytes,
		LogPrefix:             gateConfig.PrefixLogs,
		Metrics:               workerMetrics,
	}

	log.Printf("Forking - %s %v", commandName, arguments)
	if _, err := supervisor.EnsureStarted(); err != nil {
		log.Fatalf("Cannot start worker process: %s", err)
	}

	gateway := &executor.Gateway{
		Supervisor:      supervisor,
		ExchangeTimeout: gateConfig.ExchangeTimeout,
		Metrics:         workerMetrics,
	}

	var sendHandler http.Handler = makeSendHandler(gateway)

	var requestLimiter limiter.Limiter
	if gateConfig.MaxInflight > 0 {
		cl := limiter.NewConcurrencyLimiter(sendHandler, gateConfig.MaxInflight)
		sendHandler = cl
		requestLimiter = cl
	}

	if gateConfig.JWTAuth {
		if gateConfig.JWTAuthAuthority == "" {
			log.Fatal("jwt_auth_authority must be set when jwt_auth is enabled")
		}
		h, err := executor.NewJWTAuthMiddleware(sendHandler, gateConfig.JWTAuthAuthority, gateConfig.JWTAuthDebug)
		if err != nil {
			log.Fatalf("Cannot configure JWT authentication: %s", err)
		}
		sendHandler = h
	}

	if gateConfig.AuthPolicy != "" {
		authorizer, err := auth.NewAuthorizer(gateConfig.AuthPolicy)
		if err != nil {
			log.Fatalf("Cannot load auth policy %q: %s", gateConfig.AuthPolicy, err)
		}
		inputConfig, err := auth.InputConfigFromEnv()
		if err != nil {
			log.Fatalf("Cannot configure auth input: %s", err)
		}
		sendHandler = auth.New(authorizer, inputConfig)(sendHandler)
	}

	httpMetrics := metrics.NewHttp()
	sendHandler = metrics.InstrumentHandler(sendHandler, httpMetrics)

	ready := &readiness{
		workerCheck: supervisor.Alive,
		lockCheck:   lockFilePresent,
		limiter:     requestLimiter,
	}

	router := http.NewServeMux()
	router.Handle("/send", sendHandler)
	router.HandleFunc("/_/health", makeHealthHandler())
	router.Handle("/_/ready", ready)

	s := &http.Server{
		Addr:           fmt.Sprintf(":%d", gateConfig.TCPPort),
		ReadTimeout:    gateConfig.HTTPReadTimeout,
		WriteTimeout:   gateConfig.HTTPWriteTimeout,
		MaxHeaderBytes: 1 << 20, // Max header of 1MB
		Handler:        router,
	}

	metricsServer := &metrics.MetricsServer{}
	metricsServer.Register(gateConfig.MetricsPort)
	go metricsServer.Serve()

	listenUntilShutdown(s, metricsServer, supervisor, gateConfig)
}

func listenUntilShutdown(s *http.Server, metricsServer *metrics.MetricsServer, supervisor *executor.Supervisor, gateConfig config.GateConfig) {
	idleConnsClosed := make(chan struct{})

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
		<-sig

		log.Printf("Shutdown started: draining connections for: %s", gateConfig.HTTPWriteTimeout)

		if err := markUnhealthy(); err != nil {
			log.Printf("Unable to mark server as unhealthy: %s", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), gateConfig.HTTPWriteTimeout)
		defer cancel()

		if err := s.Shutdown(ctx); err != nil {
			log.Printf("Error in Shutdown: %v", err)
		}
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Printf("Error in metrics Shutdown: %v", err)
		}

		if err := supervisor.Stop(); err != nil {
			log.Printf("Error stopping worker: %s", err)
		}

		close(idleConnsClosed)
	}()

	if err := lock(); err != nil {
		log.Fatalf("Cannot write lock-file: %s", err)
	}
	atomic.StoreInt32(&acceptingConnections, 1)

	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("Error ListenAndServe: %v", err)
		if stopErr := supervisor.Stop(); stopErr != nil {
			log.Printf("Error stopping worker: %s", stopErr)
		}
		os.Exit(1)
	}

	<-idleConnsClosed
}

func lockFilePath() string {
	return filepath.Join(os.TempDir(), ".lock")
}

func lock() error {
	path := lockFilePath()
	log.Printf("Writing lock-file to: %s", path)
	return os.WriteFile(path, []byte{}, 0660)
}

func removeLockFile() error {
	path := lockFilePath()
	log.Printf("Removing lock-file: %s", path)
	return os.Remove(path)
}

func lockFilePresent() bool {
	_, err := os.Stat(lockFilePath())
	return err == nil
}

func markUnhealthy() error {
	atomic.StoreInt32(&acceptingConnections, 0)
	return removeLockFile()
}

func makeHealthHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if atomic.LoadInt32(&acceptingConnections) == 0 || !lockFilePresent() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}

			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}
