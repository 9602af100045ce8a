package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	S3       S3Config       `yaml:"s3"`
	CabBox   CabBoxConfig   `yaml:"cabbox"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	JobEventsTopicName string `yaml:"job_events_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type S3Config struct {
	Endpoint       string `yaml:"endpoint"`
	Region         string `yaml:"region"`
	Bucket         string `yaml:"bucket"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

type CabBoxConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	WorkerHTTPAddr     string `yaml:"worker_http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	DriversListTTLSeconds int `yaml:"drivers_list_ttl_seconds"`

	// Подбор и предложения. Нули означают дефолты диспетчер-сервиса.
	DriverMaxAgeSeconds int     `yaml:"driver_max_age_seconds"`
	MaxRadiusKm         float64 `yaml:"max_radius_km"`
	OfferTTLSeconds     int     `yaml:"offer_ttl_seconds"`

	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	SweepBatchSize       int `yaml:"sweep_batch_size"`

	PushRateLimitPerMinute int    `yaml:"push_rate_limit_per_minute"`
	ExpoPushURL            string `yaml:"expo_push_url"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
