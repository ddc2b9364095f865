// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"tokenvote/internal/pkg/database"
	"tokenvote/internal/pkg/logger"
)

const defaultConfigPath = "configs/ledger.yaml"

// Config 是进程级配置。业务段（如 ledger）通过 Section 按需解码。
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Log     logger.Config `yaml:"log"`
	Infra   InfraConfig   `yaml:"infra"`

	raw []byte
}

type ServiceConfig struct {
	Name string `yaml:"name"`
	Port int    `yaml:"port"`
}

type InfraConfig struct {
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Database  database.Config `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Nacos     NacosConfig     `yaml:"nacos"`
	Screening ScreeningConfig `yaml:"screening"`
}

type JaegerConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type RedisConfig struct {
	Addrs string `yaml:"addrs"`
}

type KafkaConfig struct {
	Brokers           string `yaml:"brokers"`
	RewardGrantTopic  string `yaml:"reward_grant_topic"`
	CompensationTopic string `yaml:"compensation_topic"`
	ConsumerGroup     string `yaml:"consumer_group"`
	MaxRetries        int    `yaml:"max_retries"`
}

// BrokerList 拆分逗号分隔的 broker 地址
func (k KafkaConfig) BrokerList() []string {
	var out []string
	for _, b := range strings.Split(k.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

type NacosConfig struct {
	ServerAddrs string `yaml:"server_addrs"` // 为空则不注册
	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
}

type ScreeningConfig struct {
	URL     string        `yaml:"url"` // 为空则跳过内容审核
	Timeout time.Duration `yaml:"timeout"`
}

var current atomic.Pointer[Config]

// Init 加载 .env、YAML 配置文件与环境变量覆盖，必须在使用 GetCurrentConfig 之前调用。
func Init() {
	cfg, err := Load(getEnv("CONFIG_PATH", defaultConfigPath))
	if err != nil {
		panic(err)
	}
	current.Store(cfg)
}

// Load 读取指定路径的配置。文件不存在时使用默认值。
func Load(path string) (*Config, error) {
	// .env 只是本地开发的便利，缺失不算错误
	_ = godotenv.Load()

	cfg := defaultConfig()
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrapf(err, "bootstrap: parse %s", path)
		}
		cfg.raw = raw
	case os.IsNotExist(err):
	default:
		return nil, errors.Wrapf(err, "bootstrap: read %s", path)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// GetCurrentConfig 返回当前生效的配置
func GetCurrentConfig() *Config {
	cfg := current.Load()
	if cfg == nil {
		return defaultConfig()
	}
	return cfg
}

// Section 把配置文件中的某个顶层段解码到 out；该段不存在时 out 保持原值。
func (c *Config) Section(name string, out any) error {
	if len(c.raw) == 0 {
		return nil
	}
	var root map[string]yaml.Node
	if err := yaml.Unmarshal(c.raw, &root); err != nil {
		return errors.Wrap(err, "bootstrap: parse config root")
	}
	node, ok := root[name]
	if !ok {
		return nil
	}
	return errors.Wrapf(node.Decode(out), "bootstrap: decode section %s", name)
}

func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{Name: "ledger-service", Port: 8080},
		Log:     logger.Config{Level: "info"},
		Infra: InfraConfig{
			Jaeger:   JaegerConfig{SampleRatio: 1},
			Database: database.Config{Driver: "sqlite", DSN: "file:ledger.db?_busy_timeout=10000&_journal_mode=WAL&_txlock=immediate"},
			Redis:    RedisConfig{Addrs: "localhost:6379"},
			Kafka: KafkaConfig{
				Brokers:           "localhost:9092",
				RewardGrantTopic:  "reward-grants",
				CompensationTopic: "ledger-compensations",
				ConsumerGroup:     "ledger-worker",
				MaxRetries:        3,
			},
			Nacos:     NacosConfig{Group: "DEFAULT_GROUP"},
			Screening: ScreeningConfig{Timeout: 2 * time.Second},
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.Service.Name = getEnv("SERVICE_NAME", cfg.Service.Name)
	if p, err := strconv.Atoi(getEnv("PORT", "")); err == nil {
		cfg.Service.Port = p
	}
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", cfg.Infra.Jaeger.Endpoint)
	cfg.Infra.Database.Driver = getEnv("DB_DRIVER", cfg.Infra.Database.Driver)
	cfg.Infra.Database.DSN = getEnv("DB_DSN", cfg.Infra.Database.DSN)
	cfg.Infra.Redis.Addrs = getEnv("REDIS_ADDRS", cfg.Infra.Redis.Addrs)
	cfg.Infra.Kafka.Brokers = getEnv("KAFKA_BROKERS", cfg.Infra.Kafka.Brokers)
	cfg.Infra.Nacos.ServerAddrs = getEnv("NACOS_SERVER_ADDRS", cfg.Infra.Nacos.ServerAddrs)
	cfg.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", cfg.Infra.Nacos.Namespace)
	cfg.Infra.Nacos.Group = getEnv("NACOS_GROUP", cfg.Infra.Nacos.Group)
	cfg.Infra.Screening.URL = getEnv("SCREENING_URL", cfg.Infra.Screening.URL)
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
