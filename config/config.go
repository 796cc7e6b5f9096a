package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the broadcast delivery service.
// Values come from an optional YAML file and BDS_* environment overrides.
type Config struct {
	Cluster   Cluster   `mapstructure:"cluster"`
	HTTP      HTTP      `mapstructure:"http"`
	Postgres  Postgres  `mapstructure:"postgres"`
	Redis     Redis     `mapstructure:"redis"`
	Broker    Broker    `mapstructure:"broker"`
	SSE       SSE       `mapstructure:"sse"`
	Scheduler Scheduler `mapstructure:"scheduler"`
	UserDir   UserDir   `mapstructure:"user_directory"`
	LogLevel  string    `mapstructure:"log_level"`
}

// Cluster identifies this pod inside the deployment. The pair is used as the
// worker-topic suffix and as the owner of presence entries.
type Cluster struct {
	ClusterName string `mapstructure:"cluster_name"`
	PodName     string `mapstructure:"pod_name"`
}

// PodKey renders the canonical "{cluster}:{pod}" coordinate.
func (c Cluster) PodKey() string {
	return fmt.Sprintf("%s:%s", c.ClusterName, c.PodName)
}

type HTTP struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type Postgres struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Broker configures the AMQP bus and topic layout.
type Broker struct {
	URI                string `mapstructure:"uri"`
	OrchestrationTopic string `mapstructure:"orchestration_topic"`
	WorkerTopicPrefix  string `mapstructure:"worker_topic_prefix"`
}

// WorkerTopic names the per-pod delivery topic: "{prefix}.{cluster}-{pod}".
func (b Broker) WorkerTopic(cluster, pod string) string {
	return fmt.Sprintf("%s.%s-%s", b.WorkerTopicPrefix, cluster, pod)
}

type SSE struct {
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval"`
	ClientTimeout         time.Duration `mapstructure:"client_timeout"`
	MaxConnectionsPerUser int           `mapstructure:"max_connections_per_user"`
	MailboxSize           int           `mapstructure:"mailbox_size"`
}

type Scheduler struct {
	TickPeriod         time.Duration `mapstructure:"tick_period"`
	UserFetchDelay     time.Duration `mapstructure:"user_fetch_delay"`
	PrecomputeSafety   time.Duration `mapstructure:"precompute_safety"`
	ActivationBatch    int           `mapstructure:"activation_batch"`
	PodHeartbeat       time.Duration `mapstructure:"pod_heartbeat"`
	StalePodThreshold  time.Duration `mapstructure:"stale_pod_threshold"`
	ReapRetention      time.Duration `mapstructure:"reap_retention"`
	LeaseTTL           time.Duration `mapstructure:"lease_ttl"`
}

// UserDir points at the external user-directory service used to resolve
// role and product cohorts.
type UserDir struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxInFlight    int64         `mapstructure:"max_in_flight"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cluster.cluster_name", "default")
	v.SetDefault("cluster.pod_name", "pod-0")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("postgres.max_open_conns", 20)
	v.SetDefault("postgres.max_idle_conns", 5)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("broker.orchestration_topic", "broadcast.orchestration")
	v.SetDefault("broker.worker_topic_prefix", "delivery")

	v.SetDefault("sse.heartbeat_interval", 15*time.Second)
	v.SetDefault("sse.client_timeout", 45*time.Second)
	v.SetDefault("sse.max_connections_per_user", 5)
	v.SetDefault("sse.mailbox_size", 1024)

	v.SetDefault("scheduler.tick_period", time.Minute)
	v.SetDefault("scheduler.user_fetch_delay", 5*time.Minute)
	v.SetDefault("scheduler.precompute_safety", 2*time.Minute)
	v.SetDefault("scheduler.activation_batch", 100)
	v.SetDefault("scheduler.pod_heartbeat", 30*time.Second)
	v.SetDefault("scheduler.stale_pod_threshold", 90*time.Second)
	v.SetDefault("scheduler.reap_retention", time.Hour)
	v.SetDefault("scheduler.lease_ttl", 50*time.Second)

	v.SetDefault("user_directory.request_timeout", 30*time.Second)
	v.SetDefault("user_directory.max_in_flight", 4)

	v.SetDefault("log_level", "info")
}

// LoadConfig reads configuration from the optional path and the environment.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &cfg, nil
}
