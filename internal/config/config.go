package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Store    StoreConfig
	Decoder  DecoderConfig
	Detector DetectorConfig
	Extract  ExtractConfig
	Queue    QueueConfig
}

type ServerConfig struct {
	Port             string `validate:"required"`
	Env              string
	LogLevel         string `validate:"oneof=debug info warn error"`
	StatusRatePerMin int    `validate:"min=0"`
}

type RedisConfig struct {
	Enabled  bool
	Addr     string `validate:"required_if=Enabled true"`
	Password string
	DB       int `validate:"min=0"`
}

type StoreConfig struct {
	Endpoint        string
	Region          string
	Bucket          string `validate:"required_with=AccessKeyID"`
	AccessKeyID     string
	SecretAccessKey string `validate:"required_with=AccessKeyID"`
	UsePathStyle    bool
	Prefix          string // artifacts
	InputPrefix     string // source videos
	ConnectTimeout  time.Duration `validate:"min=0"`
	RequestTimeout  time.Duration `validate:"min=0"`
}

// IsConfigured reports whether enough is set to reach the object store
func (c StoreConfig) IsConfigured() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

type DecoderConfig struct {
	FFmpegPath  string `validate:"required"`
	FFprobePath string `validate:"required"`
}

type DetectorConfig struct {
	Command        string
	Args           []string
	ModelConfig    string
	ScoreThreshold float64       `validate:"min=0,max=1"`
	RequestTimeout time.Duration `validate:"min=0"`
}

type ExtractConfig struct {
	OutputDir      string `validate:"required"`
	ImageExt       string `validate:"required"`
	ChunkCount     int    `validate:"min=1"`
	ChunkNum       int    `validate:"min=0,ltfield=ChunkCount"`
	PushAfterWrite bool
}

type QueueConfig struct {
	Name      string `validate:"required"`
	MaxRetry  int    `validate:"min=0"`
	Retention time.Duration
}

// flagKeys maps CLI flag names onto config keys
var flagKeys = map[string]string{
	"output-dir":  "extract.output_dir",
	"image-ext":   "extract.image_ext",
	"chunk-num":   "extract.chunk_num",
	"chunk-count": "extract.chunk_count",
	"push":        "extract.push_after_write",
	"prefix":      "store.prefix",
	"log-level":   "server.log_level",
	"port":        "server.port",
}

// Load reads configuration from defaults, an optional config file, the
// environment and the given flags, in increasing precedence.
func Load(flags *pflag.FlagSet) (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("STORE_ACCESS_KEY_ID")
	readSecret("STORE_SECRET_ACCESS_KEY")
	readSecret("OSS_ACCESS_KEY_ID")
	readSecret("OSS_ACCESS_KEY_SECRET")
	readSecret("REDIS_PASSWORD")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.status_rate_per_min", "STATUS_RATE_PER_MIN")
	_ = v.BindEnv("redis.enabled", "REDIS_ENABLED")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("store.endpoint", "STORE_ENDPOINT", "OSS_ENDPOINT")
	_ = v.BindEnv("store.region", "STORE_REGION")
	_ = v.BindEnv("store.bucket", "STORE_BUCKET", "OSS_BUCKET")
	_ = v.BindEnv("store.access_key_id", "STORE_ACCESS_KEY_ID", "OSS_ACCESS_KEY_ID")
	_ = v.BindEnv("store.secret_access_key", "STORE_SECRET_ACCESS_KEY", "OSS_ACCESS_KEY_SECRET")
	_ = v.BindEnv("store.use_path_style", "STORE_USE_PATH_STYLE")
	_ = v.BindEnv("store.prefix", "STORE_PREFIX")
	_ = v.BindEnv("store.input_prefix", "STORE_INPUT_PREFIX")
	_ = v.BindEnv("store.connect_timeout", "STORE_CONNECT_TIMEOUT")
	_ = v.BindEnv("store.request_timeout", "STORE_REQUEST_TIMEOUT")
	_ = v.BindEnv("decoder.ffmpeg_path", "FFMPEG_PATH")
	_ = v.BindEnv("decoder.ffprobe_path", "FFPROBE_PATH")
	_ = v.BindEnv("detector.command", "DETECTOR_COMMAND")
	_ = v.BindEnv("detector.model_config", "DETECTOR_MODEL_CONFIG")
	_ = v.BindEnv("detector.score_threshold", "DETECTOR_SCORE_THRESHOLD")
	_ = v.BindEnv("detector.request_timeout", "DETECTOR_REQUEST_TIMEOUT")
	_ = v.BindEnv("queue.name", "QUEUE_NAME")
	_ = v.BindEnv("queue.max_retry", "QUEUE_MAX_RETRY")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.status_rate_per_min", 600)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Store defaults
	v.SetDefault("store.region", "auto")
	v.SetDefault("store.prefix", "detectron2d/")
	v.SetDefault("store.input_prefix", "videos/")
	v.SetDefault("store.connect_timeout", 30*time.Second)
	v.SetDefault("store.request_timeout", 0)

	// Decoder and detector defaults
	v.SetDefault("decoder.ffmpeg_path", "ffmpeg")
	v.SetDefault("decoder.ffprobe_path", "ffprobe")
	v.SetDefault("detector.command", "models/run_detector.sh")
	v.SetDefault("detector.model_config", "COCO-Keypoints/keypoint_rcnn_R_101_FPN_3x.yaml")
	v.SetDefault("detector.score_threshold", 0.7)
	v.SetDefault("detector.request_timeout", 60*time.Second)

	// Extraction defaults
	v.SetDefault("extract.output_dir", "/tmp/infer_simple")
	v.SetDefault("extract.image_ext", "mp4")
	v.SetDefault("extract.chunk_count", 4)
	v.SetDefault("extract.chunk_num", 0)
	v.SetDefault("extract.push_after_write", false)

	// Queue defaults
	v.SetDefault("queue.name", "extract")
	v.SetDefault("queue.max_retry", 3)
	v.SetDefault("queue.retention", 24*time.Hour)

	if flags != nil {
		flags.VisitAll(func(f *pflag.Flag) {
			if key, ok := flagKeys[f.Name]; ok {
				_ = v.BindPFlag(key, f)
			}
		})
		if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			// Try to read config file (optional)
			_ = v.ReadInConfig()
		}
	} else {
		_ = v.ReadInConfig()
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:             v.GetString("server.port"),
			Env:              v.GetString("server.env"),
			LogLevel:         strings.ToLower(v.GetString("server.log_level")),
			StatusRatePerMin: v.GetInt("server.status_rate_per_min"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Store: StoreConfig{
			Endpoint:        v.GetString("store.endpoint"),
			Region:          v.GetString("store.region"),
			Bucket:          v.GetString("store.bucket"),
			AccessKeyID:     v.GetString("store.access_key_id"),
			SecretAccessKey: v.GetString("store.secret_access_key"),
			UsePathStyle:    v.GetBool("store.use_path_style"),
			Prefix:          v.GetString("store.prefix"),
			InputPrefix:     v.GetString("store.input_prefix"),
			ConnectTimeout:  v.GetDuration("store.connect_timeout"),
			RequestTimeout:  v.GetDuration("store.request_timeout"),
		},
		Decoder: DecoderConfig{
			FFmpegPath:  v.GetString("decoder.ffmpeg_path"),
			FFprobePath: v.GetString("decoder.ffprobe_path"),
		},
		Detector: DetectorConfig{
			Command:        v.GetString("detector.command"),
			Args:           v.GetStringSlice("detector.args"),
			ModelConfig:    v.GetString("detector.model_config"),
			ScoreThreshold: v.GetFloat64("detector.score_threshold"),
			RequestTimeout: v.GetDuration("detector.request_timeout"),
		},
		Extract: ExtractConfig{
			OutputDir:      v.GetString("extract.output_dir"),
			ImageExt:       strings.TrimPrefix(v.GetString("extract.image_ext"), "."),
			ChunkCount:     v.GetInt("extract.chunk_count"),
			ChunkNum:       v.GetInt("extract.chunk_num"),
			PushAfterWrite: v.GetBool("extract.push_after_write"),
		},
		Queue: QueueConfig{
			Name:      v.GetString("queue.name"),
			MaxRetry:  v.GetInt("queue.max_retry"),
			Retention: v.GetDuration("queue.retention"),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
