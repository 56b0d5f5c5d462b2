package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
)

// GateConfig configuration for a linegate instance.
type GateConfig struct {
	TCPPort          int
	MetricsPort      int
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration

	// WorkerProcess is the command line for the supervised worker.
	WorkerProcess string
	// WorkerDir is the working directory the worker is spawned in, empty
	// inherits the gate's own working directory.
	WorkerDir string

	// ExchangeTimeout bounds the wait for the worker's reply line.
	ExchangeTimeout time.Duration
	// GracePeriod is how long Stop waits after SIGTERM before SIGKILL.
	GracePeriod time.Duration

	StderrBufferSizeBytes int
	StdoutBufferSizeBytes int
	PrefixLogs            bool

	MaxInflight int

	AuthPolicy       string
	JWTAuth          bool
	JWTAuthAuthority string
	JWTAuthDebug     bool
}

// Process returns a string for the process and a slice for the arguments from the WorkerProcess.
func (c GateConfig) Process() (string, []string) {
	parts := strings.Split(c.WorkerProcess, " ")

	if len(parts) > 1 {
		return parts[0], parts[1:]
	}

	return parts[0], []string{}
}

// New create config based upon environmental variables.
func New(env []string) (GateConfig, error) {
	envMap := mapEnv(env)

	var workerProcess string
	if val, exists := envMap["worker_process"]; exists {
		workerProcess = val
	}

	defaultTimeout := time.Second * 10
	defaultBufferBytes := 64 * 1024

	config := GateConfig{
		TCPPort:               getInt(envMap, "port", 8080),
		MetricsPort:           getInt(envMap, "metrics_port", 8081),
		HTTPReadTimeout:       getDuration(envMap, "read_timeout", defaultTimeout),
		HTTPWriteTimeout:      getDuration(envMap, "write_timeout", defaultTimeout),
		WorkerProcess:         workerProcess,
		WorkerDir:             envMap["worker_dir"],
		ExchangeTimeout:       getDuration(envMap, "exchange_timeout", time.Second*5),
		GracePeriod:           getDuration(envMap, "grace_period", time.Second*2),
		StderrBufferSizeBytes: getByteSize(envMap, "stderr_buffer_bytes", defaultBufferBytes),
		StdoutBufferSizeBytes: getByteSize(envMap, "stdout_buffer_bytes", defaultBufferBytes),
		PrefixLogs:            getBool(envMap, "prefix_logs", true),
		MaxInflight:           getInt(envMap, "max_inflight", 0),
		AuthPolicy:            envMap["auth_policy"],
		JWTAuth:               getBool(envMap, "jwt_auth", false),
		JWTAuthAuthority:      envMap["jwt_auth_authority"],
		JWTAuthDebug:          getBool(envMap, "jwt_auth_debug", false),
	}

	if config.ExchangeTimeout <= 0 {
		return config, fmt.Errorf("exchange_timeout must be a positive duration")
	}

	return config, nil
}

func mapEnv(env []string) map[string]string {
	mapped := map[string]string{}

	for _, val := range env {
		sep := strings.Index(val, "=")
		if sep < 1 {
			fmt.Println("Bad environment: " + val)
			continue
		}
		mapped[val[:sep]] = val[sep+1:]
	}

	return mapped
}

func getDuration(env map[string]string, key string, defaultValue time.Duration) time.Duration {
	result := defaultValue
	if val, exists := env[key]; exists {
		parsed, err := time.ParseDuration(val)
		if err == nil {
			result = parsed
		}
	}

	return result
}

func getInt(env map[string]string, key string, defaultValue int) int {
	result := defaultValue
	if val, exists := env[key]; exists {
		parsed, err := strconv.Atoi(val)
		if err == nil {
			result = parsed
		}
	}

	return result
}

func getBool(env map[string]string, key string, defaultValue bool) bool {
	result := defaultValue
	if val, exists := env[key]; exists {
		result = val == "true" || val == "1"
	}

	return result
}

// getByteSize accepts plain byte counts and human-readable sizes
// such as "64k" or "1m".
func getByteSize(env map[string]string, key string, defaultValue int) int {
	result := defaultValue
	if val, exists := env[key]; exists {
		parsed, err := units.RAMInBytes(val)
		if err == nil {
			result = int(parsed)
		}
	}

	return result
}
