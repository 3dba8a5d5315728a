package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Database  DatabaseConfig  `yaml:"database" envPrefix:"DATABASE_"`
	AWS       AWSConfig       `yaml:"aws" envPrefix:"AWS_"`
	JWT       JWTConfig       `yaml:"jwt" envPrefix:"JWT_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Geocoding GeocodingConfig `yaml:"geocoding" envPrefix:"GEOCODING_"`
	Session   SessionConfig   `yaml:"session" envPrefix:"SESSION_"`
	Map       MapConfig       `yaml:"map" envPrefix:"MAP_"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port int    `yaml:"port" env:"PORT"`
	Host string `yaml:"host" env:"HOST"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	DBName   string `yaml:"dbname" env:"NAME"`
	SSLMode  string `yaml:"sslmode" env:"SSLMODE"`
}

// AWSConfig holds S3 configuration for photo objects
type AWSConfig struct {
	Region    string `yaml:"region" env:"REGION"`
	S3Bucket  string `yaml:"s3_bucket" env:"S3_BUCKET"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"` // S3-compatible storage
	PublicURL string `yaml:"public_url" env:"PUBLIC_URL"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret string        `yaml:"secret" env:"SECRET"`
	TTL    time.Duration `yaml:"ttl" env:"TTL"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// GeocodingConfig holds the Nominatim client configuration
type GeocodingConfig struct {
	BaseURL      string        `yaml:"base_url" env:"BASE_URL"`
	UserAgent    string        `yaml:"user_agent" env:"USER_AGENT"`
	Language     string        `yaml:"language" env:"LANGUAGE"`
	SearchLimit  int           `yaml:"search_limit" env:"SEARCH_LIMIT"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RequestsPerS float64       `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
}

// SessionConfig holds location assignment session settings
type SessionConfig struct {
	GeolocationTimeout time.Duration `yaml:"geolocation_timeout" env:"GEOLOCATION_TIMEOUT"`
	HighAccuracy       bool          `yaml:"high_accuracy" env:"HIGH_ACCURACY"`
}

// MapConfig holds marker clustering settings
type MapConfig struct {
	ClusterZoom int `yaml:"cluster_zoom" env:"CLUSTER_ZOOM"`
}

// Load reads configuration from a YAML file, then applies GEOPHOTO_* environment
// overrides and fills defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "GEOPHOTO_"}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.JWT.TTL == 0 {
		c.JWT.TTL = 24 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Geocoding.BaseURL == "" {
		c.Geocoding.BaseURL = "https://nominatim.openstreetmap.org"
	}
	if c.Geocoding.UserAgent == "" {
		c.Geocoding.UserAgent = "GeoPhotoApp/1.0"
	}
	if c.Geocoding.SearchLimit <= 0 {
		c.Geocoding.SearchLimit = 5
	}
	if c.Geocoding.Timeout == 0 {
		c.Geocoding.Timeout = 10 * time.Second
	}
	if c.Geocoding.RequestsPerS <= 0 {
		c.Geocoding.RequestsPerS = 1
	}
	if c.Session.GeolocationTimeout == 0 {
		c.Session.GeolocationTimeout = 15 * time.Second
	}
	if c.Map.ClusterZoom == 0 {
		c.Map.ClusterZoom = 10
	}
}

// Validate rejects configurations the server cannot start with
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	if c.Map.ClusterZoom < 0 || c.Map.ClusterZoom > 22 {
		return fmt.Errorf("map cluster_zoom must be between 0 and 22, got %d", c.Map.ClusterZoom)
	}
	return nil
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}
