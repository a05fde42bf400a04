package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
)

type Config struct {
	Port            string
	ModelPath       string
	MetadataPath    string
	OrtLibraryPath  string
	Sessions        int
	TopK            int
	MaxUploadBytes  int64
	MaxPixels       int
	LogLevel        string
	LogFormat       string
	CORSOrigin      string
	AMQPURL         string
	AMQPQueue       string
	ShutdownTimeout time.Duration

	// Args holds the positional arguments left after flag parsing.
	Args []string
}

// LoadEnvFiles loads .env and .local.env from the working directory.
// Missing files are not an error.
func LoadEnvFiles() error {
	for _, name := range []string{".env", ".local.env"} {
		if _, err := os.Stat(name); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return fmt.Errorf("failed to load %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the server configuration from the environment, then lets
// command line flags override it.
func Load(name string, args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfg.modelFlags(fs)
	fs.StringVarP(&cfg.Port, "port", "p", getEnv("PORT", "8080"), "HTTP listen port")
	fs.IntVar(&cfg.Sessions, "sessions", getEnvInt("SESSIONS", 1), "number of concurrent inference sessions")
	fs.Int64Var(&cfg.MaxUploadBytes, "max-upload", int64(getEnvInt("MAX_UPLOAD_BYTES", 10<<20)), "maximum upload size in bytes")
	fs.StringVar(&cfg.CORSOrigin, "cors-origin", getEnv("CORS_ORIGIN", "*"), "Access-Control-Allow-Origin value")
	fs.StringVar(&cfg.AMQPURL, "amqp-url", getEnv("AMQP_URL", ""), "RabbitMQ URL; empty disables the queue worker")
	fs.StringVar(&cfg.AMQPQueue, "amqp-queue", getEnv("AMQP_QUEUE", "leaf_classify_requests"), "queue to consume classify requests from")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second), "graceful shutdown timeout")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.Args = fs.Args()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClassify is Load for the one-shot CLI: only model and output flags,
// a single session, and image paths as positional arguments.
func LoadClassify(name string, args []string) (*Config, error) {
	cfg := &Config{Sessions: 1}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfg.modelFlags(fs)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.Args = fs.Args()
	if err := cfg.validateModel(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) modelFlags(fs *flag.FlagSet) {
	root := ProjectRoot()
	fs.StringVar(&c.ModelPath, "model", getEnv("MODEL_PATH", filepath.Join(root, "models", "model.onnx")), "path to the ONNX model")
	fs.StringVar(&c.MetadataPath, "metadata", getEnv("METADATA_PATH", filepath.Join(root, "models", "model_metadata.json")), "path to the model metadata JSON")
	fs.StringVar(&c.OrtLibraryPath, "ort-lib", getEnv("ONNXRUNTIME_LIB", ""), "path to the onnxruntime shared library")
	fs.IntVarP(&c.TopK, "top", "k", getEnvInt("TOP_K", 5), "number of ranked predictions to return")
	fs.IntVar(&c.MaxPixels, "max-pixels", getEnvInt("MAX_PIXELS", 40_000_000), "maximum decoded image pixels, 0 for no limit")
	fs.StringVar(&c.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "log level")
	fs.StringVar(&c.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "log format: text or json")
}

func (c *Config) Validate() error {
	if err := c.validateModel(); err != nil {
		return err
	}
	if c.Sessions <= 0 {
		return fmt.Errorf("sessions must be positive, got %d", c.Sessions)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload must be positive, got %d", c.MaxUploadBytes)
	}
	return nil
}

func (c *Config) validateModel() error {
	if c.ModelPath == "" || c.MetadataPath == "" {
		return errors.New("model and metadata paths are required")
	}
	if c.TopK <= 0 {
		return fmt.Errorf("top-k must be positive, got %d", c.TopK)
	}
	if c.MaxPixels < 0 {
		return fmt.Errorf("max pixels must not be negative, got %d", c.MaxPixels)
	}
	return nil
}

// ProjectRoot is the working directory, or the repository root when
// running from cmd/<binary> with go run.
func ProjectRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	if filepath.Base(filepath.Dir(wd)) == "cmd" {
		return filepath.Join(wd, "../..")
	}
	return wd
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}
