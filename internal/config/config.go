package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cespare/xxhash/v2"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"
)

// FileEnv names the variable pointing at the persisted configuration file.
const FileEnv = "Config_File"

const defaultFile = ".env"

type Config struct {
	Queue Queue
	Redis Redis
	API   API
	Log   Log
}

type Queue struct {
	Path                      string        `env:"Queue_Path" envDefault:"data/queue" validate:"required"`
	Workers                   int           `env:"Queue_Workers" envDefault:"3" validate:"gte=1"`
	WorkerLifetime            time.Duration `env:"Queue_WorkerLifetime" envDefault:"600s" validate:"gt=0"`
	WorkerTaskTimeout         time.Duration `env:"Queue_WorkerTaskTimeout" envDefault:"1800s" validate:"gt=0"`
	WorkerMemoryLimit         string        `env:"Queue_WorkerMemoryLimit" envDefault:"1G"`
	WorkerIdleInterval        time.Duration `env:"Queue_WorkerIdleInterval" envDefault:"1s" validate:"gt=0"`
	DisableTriggerDiagnostics bool          `env:"Queue_DisableTriggerDiagnostics"`
	TriggerStaleAfter         time.Duration `env:"Queue_TriggerStaleAfter" envDefault:"10m" validate:"gt=0"`
	PingType                  string        `env:"Queue_PingType" envDefault:"ping"`
}

// Redis is the backend the task handlers depend on. An empty Addr disables the
// connectivity part of the worker preflight.
type Redis struct {
	Addr        string        `env:"Redis_Address"`
	Password    string        `env:"Redis_Password"`
	DB          int           `env:"Redis_DB" validate:"gte=0"`
	Replicas    int           `env:"Redis_Replicas" validate:"gte=0"`
	WaitTimeout time.Duration `env:"Redis_WaitTimeout" envDefault:"2s"`
	Keepalive   time.Duration `env:"Redis_Keepalive" envDefault:"30s"`
}

type API struct {
	MaxBodyBytes     int64   `env:"API_MaxBodyBytes" envDefault:"10485760" validate:"gt=0"`
	AdminToken       string  `env:"API_AdminToken"`
	WorkerSpawnRate  float64 `env:"API_WorkerSpawnRate" envDefault:"1" validate:"gt=0"`
	WorkerSpawnBurst int     `env:"API_WorkerSpawnBurst" envDefault:"3" validate:"gte=1"`
}

type Log struct {
	Level string `env:"Log_Level" envDefault:"info" validate:"oneof=debug info warn error"`
}

// File returns the path of the persisted configuration file.
func File() string {
	if f := os.Getenv(FileEnv); f != "" {
		return f
	}
	return defaultFile
}

// Load reads the configuration and exits the process if it is invalid.
func Load() *Config {
	c, err := Parse()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	return c
}

// Parse loads the persisted configuration file into the environment (existing
// variables win), then parses and validates the environment.
func Parse() (*Config, error) {
	if err := godotenv.Load(File()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", File(), err)
	}

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(&c); err != nil {
		return nil, err
	}
	if _, err := c.Queue.MemoryLimit(); err != nil {
		return nil, err
	}
	return &c, nil
}

// MemoryLimit returns the worker memory limit in bytes; -1 means unlimited.
func (q Queue) MemoryLimit() (int64, error) {
	return ParseByteSize(q.WorkerMemoryLimit)
}

// ParseByteSize parses sizes such as "512M", "1G" or "1048576". "-1" and "" mean unlimited.
func ParseByteSize(s string) (int64, error) {
	orig := s
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "-1" {
		return -1, nil
	}
	s = strings.TrimSuffix(s, "B")

	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult = 1 << 10
	case strings.HasSuffix(s, "M"):
		mult = 1 << 20
	case strings.HasSuffix(s, "G"):
		mult = 1 << 30
	case strings.HasSuffix(s, "T"):
		mult = 1 << 40
	}
	if mult > 1 {
		s = s[:len(s)-1]
	}
	if s == "" || strings.Trim(s, "0123456789") != "" {
		return 0, fmt.Errorf("invalid byte size %q", orig)
	}
	// cast reads a leading zero as an octal prefix
	if s = strings.TrimLeft(s, "0"); s == "" {
		s = "0"
	}

	n, err := cast.ToInt64E(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid byte size %q", orig)
	}
	if n > math.MaxInt64/mult {
		return 0, fmt.Errorf("byte size %q overflows", orig)
	}
	return n * mult, nil
}

// Fingerprint hashes the persisted configuration file so a running worker can notice
// that it was edited underneath it.
func Fingerprint(path string) (string, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "absent", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(b)), nil
}
