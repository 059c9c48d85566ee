package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	RMATrack RMATrackConfig `yaml:"rmatrack"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (d DatabaseConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

type KafkaConfig struct {
	Host                      string `yaml:"host"`
	Port                      int    `yaml:"port"`
	NotificationsTopicName    string `yaml:"notifications_topic_name"`
	RefreshRequestedTopicName string `yaml:"refresh_requested_topic_name"`
}

func (k KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", k.Host, k.Port)}
}

func (k KafkaConfig) NotificationsTopic() string {
	if k.NotificationsTopicName == "" {
		return "rma.notifications"
	}
	return k.NotificationsTopicName
}

func (k KafkaConfig) RefreshRequestedTopic() string {
	if k.RefreshRequestedTopicName == "" {
		return "rma.refresh.requested"
	}
	return k.RefreshRequestedTopicName
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type AssignmentRuleConfig struct {
	Priority string `yaml:"priority"`
	Status   string `yaml:"status"`
	Assignee string `yaml:"assignee"`
}

type EscalationRuleConfig struct {
	Status     string `yaml:"status"`
	AfterHours int    `yaml:"after_hours"`
	Assignee   string `yaml:"assignee"`
}

type RMATrackConfig struct {
	Env      string `yaml:"env"`     // "production" enforces webhook signatures
	Storage  string `yaml:"storage"` // "postgres" | "memory"
	LogLevel string `yaml:"log_level"`

	HTTPAddr           string `yaml:"http_addr"`
	WorkerHTTPAddr     string `yaml:"worker_http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	CarriersPath          string `yaml:"carriers_path"`
	CarriersReloadSeconds int    `yaml:"carriers_reload_seconds"`

	SLATargetHours        map[string]int `yaml:"sla_target_hours"`
	SLATargetDeliveryDays int            `yaml:"sla_target_delivery_days"`
	SLAAtRiskRatio        float64        `yaml:"sla_at_risk_ratio"`

	ActiveSweepIntervalMinutes int  `yaml:"active_sweep_interval_minutes"`
	FullSweepIntervalMinutes   int  `yaml:"full_sweep_interval_minutes"`
	EscalationIntervalMinutes  int  `yaml:"escalation_interval_minutes"`
	DailyJobHourUTC            *int `yaml:"daily_job_hour_utc"`
	TrackingRetentionDays      int  `yaml:"tracking_retention_days"`

	WorkerConcurrency int `yaml:"worker_concurrency"`
	WorkerBatchSize   int `yaml:"worker_batch_size"`

	CarrierTimeoutSeconds     int `yaml:"carrier_timeout_seconds"`
	CarrierRateLimitPerMinute int `yaml:"carrier_rate_limit_per_minute"`
	TrackingCacheTTLSeconds   int `yaml:"tracking_cache_ttl_seconds"`

	AutoConfirmDelivery *bool `yaml:"auto_confirm_delivery"`

	DefaultAssignee string                 `yaml:"default_assignee"`
	AssignmentRules []AssignmentRuleConfig `yaml:"assignment_rules"`
	EscalationRules []EscalationRuleConfig `yaml:"escalation_rules"`
}

func (c RMATrackConfig) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

// SlogLevel maps log_level to a slog level; anything unknown is info.
func (c RMATrackConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func (c RMATrackConfig) CarrierTimeout() time.Duration {
	sec := c.CarrierTimeoutSeconds
	switch {
	case sec <= 0:
		sec = 15
	case sec < 10:
		sec = 10
	case sec > 30:
		sec = 30
	}
	return time.Duration(sec) * time.Second
}

func (c RMATrackConfig) DailyJobHour() int {
	if c.DailyJobHourUTC == nil || *c.DailyJobHourUTC < 0 || *c.DailyJobHourUTC > 23 {
		return 2
	}
	return *c.DailyJobHourUTC
}

func (c RMATrackConfig) AutoConfirm() bool {
	return c.AutoConfirmDelivery == nil || *c.AutoConfirmDelivery
}

// CarriersReload is how often the API re-reads the carrier catalogue.
func (c RMATrackConfig) CarriersReload() time.Duration {
	if c.CarriersReloadSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.CarriersReloadSeconds) * time.Second
}

func (c RMATrackConfig) CacheTTL() time.Duration {
	if c.TrackingCacheTTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TrackingCacheTTLSeconds) * time.Second
}

func (c RMATrackConfig) RetentionWindow() time.Duration {
	days := c.TrackingRetentionDays
	if days <= 0 {
		days = 180
	}
	return time.Duration(days) * 24 * time.Hour
}

// LoadConfig reads the YAML file and then applies secrets from the
// environment. A .env file in the working directory is loaded first when
// present; variables already set in the process win over it.
func LoadConfig(filename string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	if v := os.Getenv("RMATRACK_DB_PASSWORD"); v != "" {
		config.Database.Password = v
	}

	return &config, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}
