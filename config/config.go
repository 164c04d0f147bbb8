package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/feichai0017/ocr-batch/internal/batch"
	"github.com/feichai0017/ocr-batch/internal/cache"
	"github.com/feichai0017/ocr-batch/internal/engine/ollama"
	"github.com/feichai0017/ocr-batch/internal/engine/tesseract"
	"github.com/feichai0017/ocr-batch/internal/engine/textract"
	"github.com/feichai0017/ocr-batch/internal/preprocess"
	"github.com/feichai0017/ocr-batch/internal/utils/validator"
	"github.com/feichai0017/ocr-batch/pkg/storage"
	"github.com/feichai0017/ocr-batch/pkg/storage/local"
	"github.com/feichai0017/ocr-batch/pkg/storage/minio"
	"github.com/feichai0017/ocr-batch/pkg/storage/s3"
)

type DispatchMode string

const (
	DispatchLocal DispatchMode = "local"
	DispatchQueue DispatchMode = "queue"
)

type Config struct {
	Log       LogConfig
	HTTP      HTTPConfig
	Redis     RedisConfig
	Cache     cache.Config
	Pipeline  PipelineConfig
	Engines   EnginesConfig
	Storage   storage.Config
	Queue     QueueConfig
	Batch     BatchConfig
	Validator validator.ValidatorConfig
}

type LogConfig struct {
	Level    string
	Encoding string
	File     string
}

type HTTPConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxUploadBytes int64
	AllowedOrigins []string
	Dispatch       DispatchMode

	// DefaultLanguage fills requests that name no language.
	DefaultLanguage string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PipelineConfig struct {
	preprocess.Config
	// ProfileFile is an optional YAML file of named stage chains.
	ProfileFile string
	Profiles    Profiles
}

type EnginesConfig struct {
	Default   string
	Tesseract TesseractConfig
	Textract  TextractConfig
	Ollama    OllamaConfig
}

type TesseractConfig struct {
	Enabled bool
	tesseract.Config
}

type TextractConfig struct {
	Enabled bool
	textract.Config
}

type OllamaConfig struct {
	Enabled bool
	ollama.Config
}

type QueueConfig struct {
	Concurrency int
	MaxRetry    int
	Timeout     time.Duration
	Retention   time.Duration
}

type BatchConfig struct {
	batch.Config
	// Retention is how long finished jobs stay in memory.
	Retention       time.Duration
	ScratchMaxAge   time.Duration
	JanitorInterval time.Duration
}

// Load reads .env from the project root when present, then the environment.
func Load() (*Config, error) {
	loadDotEnv()

	pipelineDefaults := preprocess.DefaultConfig()
	batchDefaults := batch.DefaultConfig()
	cacheDefaults := cache.DefaultConfig()
	validatorDefaults := validator.DefaultConfig()

	cfg := &Config{
		Log: LogConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Encoding: getEnv("LOG_ENCODING", "json"),
			File:     getEnv("LOG_FILE", ""),
		},
		HTTP: HTTPConfig{
			Addr:           getEnv("HTTP_ADDR", ":8080"),
			ReadTimeout:    getDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   getDuration("HTTP_WRITE_TIMEOUT", 60*time.Second),
			MaxUploadBytes: getInt64("HTTP_MAX_UPLOAD_BYTES", 200<<20),
			AllowedOrigins: getList("HTTP_ALLOWED_ORIGINS", []string{"*"}),
			Dispatch:       DispatchMode(getEnv("DISPATCH_MODE", string(DispatchLocal))),

			DefaultLanguage: getEnv("DEFAULT_LANGUAGE", "eng"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		Pipeline: PipelineConfig{
			Config: preprocess.Config{
				MaxDimension:     getInt("PIPELINE_MAX_DIMENSION", pipelineDefaults.MaxDimension),
				DenoiseSigma:     getFloat("PIPELINE_DENOISE_SIGMA", pipelineDefaults.DenoiseSigma),
				ContrastAmount:   getFloat("PIPELINE_CONTRAST", pipelineDefaults.ContrastAmount),
				BrightnessAmount: getFloat("PIPELINE_BRIGHTNESS", pipelineDefaults.BrightnessAmount),
				SharpenSigma:     getFloat("PIPELINE_SHARPEN_SIGMA", pipelineDefaults.SharpenSigma),
				DeskewMinAngle:   getFloat("PIPELINE_DESKEW_MIN_ANGLE", pipelineDefaults.DeskewMinAngle),
				DeskewMaxAngle:   getFloat("PIPELINE_DESKEW_MAX_ANGLE", pipelineDefaults.DeskewMaxAngle),
				DeskewStep:       pipelineDefaults.DeskewStep,
				EdgeThreshold:    pipelineDefaults.EdgeThreshold,
				SegmentBlockSize: pipelineDefaults.SegmentBlockSize,
				SegmentOffset:    pipelineDefaults.SegmentOffset,
			},
			ProfileFile: getEnv("PIPELINE_PROFILE_FILE", ""),
		},
		Engines: EnginesConfig{
			Default: getEnv("ENGINE_DEFAULT", ""),
			Tesseract: TesseractConfig{
				Enabled: getBool("TESSERACT_ENABLED", true),
				Config: tesseract.Config{
					Languages:     getList("TESSERACT_LANGUAGES", nil),
					MinConfidence: getFloat("TESSERACT_MIN_CONFIDENCE", 0),
				},
			},
			Textract: TextractConfig{
				Enabled: getBool("TEXTRACT_ENABLED", false),
				Config: textract.Config{
					Region:    getEnv("AWS_REGION", ""),
					Endpoint:  getEnv("AWS_TEXTRACT_ENDPOINT", ""),
					AccessKey: getEnv("AWS_ACCESS_KEY", ""),
					SecretKey: getEnv("AWS_SECRET_KEY", ""),
				},
			},
			Ollama: OllamaConfig{
				Enabled: getBool("OLLAMA_ENABLED", false),
				Config: ollama.Config{
					Endpoint:    getEnv("OLLAMA_ENDPOINT", "http://localhost:11434"),
					Model:       getEnv("OLLAMA_MODEL", "llama3.2-vision"),
					Temperature: getFloat("OLLAMA_TEMPERATURE", 0.1),
					MaxTokens:   getInt("OLLAMA_MAX_TOKENS", 4096),
					Timeout:     getDuration("OLLAMA_TIMEOUT", 2*time.Minute),
					MaxParallel: getInt("OLLAMA_MAX_PARALLEL", 2),
					PoolTimeout: getDuration("OLLAMA_POOL_TIMEOUT", 30*time.Second),
					Languages:   getList("OLLAMA_LANGUAGES", nil),
				},
			},
		},
		Storage: storage.Config{
			Type:  storage.StorageType(getEnv("STORAGE_TYPE", string(storage.StorageTypeLocal))),
			Local: local.Config{Root: getEnv("STORAGE_LOCAL_ROOT", filepath.Join(os.TempDir(), "ocr-batch"))},
			S3: s3.Config{
				BucketName: getEnv("AWS_S3_BUCKET_NAME", ""),
				Region:     getEnv("AWS_REGION", ""),
				Endpoint:   getEnv("AWS_ENDPOINT", ""),
				AccessKey:  getEnv("AWS_ACCESS_KEY", ""),
				SecretKey:  getEnv("AWS_SECRET_KEY", ""),
				Prefix:     getEnv("AWS_S3_PREFIX", "scratch"),
			},
			Minio: minio.Config{
				AccessKey:  getEnv("MINIO_ACCESS_KEY", ""),
				SecretKey:  getEnv("MINIO_SECRET_KEY", ""),
				Endpoint:   getEnv("MINIO_ENDPOINT", ""),
				UseSSL:     getBool("MINIO_USE_SSL", false),
				Region:     getEnv("MINIO_REGION", ""),
				BucketName: getEnv("MINIO_BUCKET_NAME", ""),
			},
		},
		Queue: QueueConfig{
			Concurrency: getInt("QUEUE_CONCURRENCY", 2),
			MaxRetry:    getInt("QUEUE_MAX_RETRY", 3),
			Timeout:     getDuration("QUEUE_TASK_TIMEOUT", 30*time.Minute),
			Retention:   getDuration("QUEUE_RETENTION", 24*time.Hour),
		},
		Batch: BatchConfig{
			Config: batch.Config{
				Workers:        getInt("BATCH_WORKERS", batchDefaults.Workers),
				WriteTimeout:   getDuration("BATCH_WRITE_TIMEOUT", batchDefaults.WriteTimeout),
				CleanupTimeout: getDuration("BATCH_CLEANUP_TIMEOUT", batchDefaults.CleanupTimeout),
			},
			Retention:       getDuration("BATCH_RETENTION", time.Hour),
			ScratchMaxAge:   getDuration("BATCH_SCRATCH_MAX_AGE", 6*time.Hour),
			JanitorInterval: getDuration("BATCH_JANITOR_INTERVAL", 10*time.Minute),
		},
		Validator: validator.ValidatorConfig{
			MaxFileSize:  getInt64("VALIDATOR_MAX_FILE_SIZE", validatorDefaults.MaxFileSize),
			AllowedTypes: validatorDefaults.AllowedTypes,
			MinDimension: getInt("VALIDATOR_MIN_DIMENSION", validatorDefaults.MinDimension),
			MaxDimension: getInt("VALIDATOR_MAX_DIMENSION", validatorDefaults.MaxDimension),
		},
	}

	cfg.Cache = cache.Config{
		RedisAddr:     cfg.Redis.Addr,
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
		ProbeTimeout:  getDuration("CACHE_PROBE_TIMEOUT", cacheDefaults.ProbeTimeout),
		ResultTTL:     getDuration("CACHE_RESULT_TTL", cacheDefaults.ResultTTL),
		StatusTTL:     getDuration("CACHE_STATUS_TTL", cacheDefaults.StatusTTL),
		ProgressTTL:   getDuration("CACHE_PROGRESS_TTL", cacheDefaults.ProgressTTL),
		SnapshotTTL:   getDuration("CACHE_SNAPSHOT_TTL", cacheDefaults.SnapshotTTL),
		HighWaterMark: getInt("CACHE_HIGH_WATER_MARK", cacheDefaults.HighWaterMark),
		LowWaterMark:  getInt("CACHE_LOW_WATER_MARK", cacheDefaults.LowWaterMark),
		SweepInterval: getDuration("CACHE_SWEEP_INTERVAL", cacheDefaults.SweepInterval),
	}
	if getBool("CACHE_LOCAL_ONLY", false) {
		cfg.Cache.RedisAddr = ""
	}

	if cfg.Pipeline.ProfileFile != "" {
		profiles, err := LoadProfiles(cfg.Pipeline.ProfileFile)
		if err != nil {
			return nil, err
		}
		cfg.Pipeline.Profiles = profiles
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.HTTP.Dispatch == DispatchLocal || c.HTTP.Dispatch == DispatchQueue,
		"DISPATCH_MODE must be local or queue, got %q", c.HTTP.Dispatch)
	check(c.HTTP.MaxUploadBytes > 0, "HTTP_MAX_UPLOAD_BYTES must be positive")
	check(c.Batch.Workers >= 1 && c.Batch.Workers <= 64, "BATCH_WORKERS must be between 1 and 64, got %d", c.Batch.Workers)
	check(c.Cache.LowWaterMark > 0 && c.Cache.LowWaterMark <= c.Cache.HighWaterMark,
		"CACHE_LOW_WATER_MARK (%d) must be positive and not above CACHE_HIGH_WATER_MARK (%d)",
		c.Cache.LowWaterMark, c.Cache.HighWaterMark)
	check(c.Pipeline.MaxDimension >= 0, "PIPELINE_MAX_DIMENSION must not be negative")
	check(c.Pipeline.DeskewMinAngle >= 0 && c.Pipeline.DeskewMinAngle < c.Pipeline.DeskewMaxAngle,
		"PIPELINE_DESKEW_MIN_ANGLE must be below PIPELINE_DESKEW_MAX_ANGLE")
	check(c.Engines.Tesseract.Enabled || c.Engines.Textract.Enabled || c.Engines.Ollama.Enabled,
		"at least one recognition engine must be enabled")
	if c.HTTP.Dispatch == DispatchQueue {
		check(c.Redis.Addr != "", "REDIS_ADDR is required in queue dispatch mode")
		check(c.Queue.Concurrency >= 1, "QUEUE_CONCURRENCY must be positive")
	}
	if c.Engines.Textract.Enabled {
		check(c.Engines.Textract.Region != "", "AWS_REGION is required when textract is enabled")
	}
	switch c.Storage.Type {
	case storage.StorageTypeLocal:
	case storage.StorageTypeS3:
		check(c.Storage.S3.BucketName != "", "AWS_S3_BUCKET_NAME is required for s3 storage")
	case storage.StorageTypeMinio:
		check(c.Storage.Minio.Endpoint != "" && c.Storage.Minio.BucketName != "",
			"MINIO_ENDPOINT and MINIO_BUCKET_NAME are required for minio storage")
	default:
		problems = append(problems, fmt.Sprintf("unsupported STORAGE_TYPE %q", c.Storage.Type))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func loadDotEnv() {
	if path := os.Getenv("ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			log.Printf("Warning: env file not found at %s", path)
		}
		return
	}
	_, filename, _, _ := runtime.Caller(0)
	rootDir := filepath.Dir(filepath.Dir(filename))
	envPath := filepath.Join(rootDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: .env file not found at %s, falling back to environment variables", envPath)
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if v, err := strconv.ParseInt(getEnv(key, ""), 10, 64); err == nil {
		return v
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
