package configs

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kareempjackson/undr-api-sub001/internal/logger"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	DB struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"db"`
	JWT struct {
		SECRET string `mapstructure:"secret"`
	} `mapstructure:"jwt"`
	Redis struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Escrow struct {
		GracePeriod    time.Duration `mapstructure:"grace_period"`
		RiskCutoff     float64       `mapstructure:"risk_cutoff"`
		SweepBatchSize int           `mapstructure:"sweep_batch_size"`
	} `mapstructure:"escrow"`
	Sweeper struct {
		Interval time.Duration `mapstructure:"interval"`
		LockTTL  time.Duration `mapstructure:"lock_ttl"`
	} `mapstructure:"sweeper"`
	Outbox struct {
		Interval  time.Duration `mapstructure:"interval"`
		BatchSize int           `mapstructure:"batch_size"`
	} `mapstructure:"outbox"`
	RateLimit struct {
		ProofSubmissions int           `mapstructure:"proof_submissions"`
		Window           time.Duration `mapstructure:"window"`
	} `mapstructure:"ratelimit"`
	Webhook struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"webhook"`
}

var AppConfig Config

func LoadConfig() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	viper.AddConfigPath("./configs")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	var fileLookupError viper.ConfigFileNotFoundError
	if err := viper.ReadInConfig(); err != nil {
		if errors.As(err, &fileLookupError) {
			logger.Log.Fatal("config file not found", zap.Error(err))
		}
		logger.Log.Fatal("failed to read config", zap.Error(err))
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		logger.Log.Fatal("failed to decode config", zap.Error(err))
	}
}

func setDefaults() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("escrow.grace_period", 72*time.Hour)
	viper.SetDefault("escrow.risk_cutoff", 0.7)
	viper.SetDefault("escrow.sweep_batch_size", 100)
	viper.SetDefault("sweeper.interval", 6*time.Hour)
	viper.SetDefault("sweeper.lock_ttl", 30*time.Minute)
	viper.SetDefault("outbox.interval", 2*time.Second)
	viper.SetDefault("outbox.batch_size", 100)
	viper.SetDefault("ratelimit.proof_submissions", 10)
	viper.SetDefault("ratelimit.window", time.Minute)
	viper.SetDefault("kafka.topic", "escrow.transaction-log")
}
