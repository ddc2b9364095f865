// Package ledger 装配账本服务的运行时依赖，供 ledger-service 与 ledger-worker 共用。
package ledger

import (
	"context"

	"github.com/pkg/errors"
	zlog "github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"tokenvote/internal/pkg/bootstrap"
	"tokenvote/internal/pkg/calendar"
	"tokenvote/internal/pkg/database"
	"tokenvote/internal/pkg/httpclient"
	"tokenvote/internal/pkg/logger"
	"tokenvote/internal/pkg/mq"
	"tokenvote/internal/pkg/redis"
	"tokenvote/internal/service/ledger/application"
	"tokenvote/internal/service/ledger/domain"
	"tokenvote/internal/service/ledger/domain/port"
	"tokenvote/internal/service/ledger/infrastructure/adapter"
	"tokenvote/internal/service/ledger/infrastructure/persistence"
	"tokenvote/internal/service/ledger/infrastructure/rule"
)

const tracerName = "ledger"

// Runtime 持有进程内的所有外部连接
type Runtime struct {
	Config *bootstrap.Config
	Policy application.Policy
	Ledger *application.Ledger

	db      *gorm.DB
	redis   *redis.Client
	writers []*kafka.Writer
}

// LoadPolicy 以默认参数为底，叠加配置文件中的 ledger 段
func LoadPolicy(cfg *bootstrap.Config) (application.Policy, error) {
	policy := application.DefaultPolicy()
	if err := cfg.Section("ledger", &policy); err != nil {
		return policy, err
	}
	return policy, policy.Validate()
}

// NewRuntime 打开数据库、Redis 和 Kafka writer，并装配应用层
func NewRuntime(cfg *bootstrap.Config) (*Runtime, error) {
	policy, err := LoadPolicy(cfg)
	if err != nil {
		return nil, err
	}
	cal, err := calendar.New(policy.Timezone, nil)
	if err != nil {
		return nil, err
	}
	streak, err := rule.NewCELStreakRule(policy.StreakExpr)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Config: cfg, Policy: policy}

	rt.db, err = database.Open(cfg.Infra.Database)
	if err != nil {
		return nil, err
	}
	if err := persistence.AutoMigrate(rt.db); err != nil {
		rt.Close(context.Background())
		return nil, errors.Wrap(err, "ledger: migrate schema")
	}

	quotas := persistence.NewQuotaRepository(rt.db, cal)
	counters, err := rt.counters(cal, quotas)
	if err != nil {
		rt.Close(context.Background())
		return nil, err
	}

	brokers := cfg.Infra.Kafka.BrokerList()
	grantWriter := mq.NewKafkaWriter(brokers, cfg.Infra.Kafka.RewardGrantTopic)
	compWriter := mq.NewKafkaWriter(brokers, cfg.Infra.Kafka.CompensationTopic)
	rt.writers = append(rt.writers, grantWriter, compWriter)

	tracer := otel.Tracer(tracerName)
	deps := application.Deps{
		Accounts:      persistence.NewAccountRepository(rt.db, cal.Now),
		Topics:        persistence.NewTopicRepository(rt.db, cal.Now),
		Votes:         persistence.NewVoteRepository(rt.db, cal.Now),
		Exposures:     persistence.NewExposureRepository(rt.db),
		Rewards:       persistence.NewRewardRepository(rt.db, cal),
		Restrictions:  persistence.NewRestrictionRepository(rt.db, cal.Now),
		Quotas:        quotas,
		Counters:      counters,
		Screener:      screener(cfg, tracer),
		Grants:        adapter.NewRewardKafkaAdapter(grantWriter),
		Compensations: adapter.NewCompensationKafkaAdapter(compWriter),
		StreakRule:    streak,
		Calendar:      cal,
		Tracer:        tracer,
	}
	rt.Ledger = application.NewLedger(deps, policy)
	return rt, nil
}

// counters 优先使用 Redis；未配置 Redis 时退回数据库计数器
func (rt *Runtime) counters(cal *calendar.Calendar, fallback domain.QuotaTracker) (domain.QuotaTracker, error) {
	if rt.Config.Infra.Redis.Addrs == "" {
		zlog.Warn().Msg("redis not configured, quota counters use the database")
		return fallback, nil
	}
	client, err := redis.NewClient(rt.Config.Infra.Redis.Addrs)
	if err != nil {
		return nil, err
	}
	rt.redis = client
	counters, err := adapter.NewQuotaRedisAdapter(client, cal)
	if err != nil {
		return nil, err
	}
	return counters, nil
}

// screener 未配置审核服务地址时放行所有内容
func screener(cfg *bootstrap.Config, tracer trace.Tracer) port.ContentScreener {
	sc := cfg.Infra.Screening
	if sc.URL == "" {
		return adapter.AllowAllScreener{}
	}
	return adapter.NewScreeningHTTPAdapter(httpclient.NewClient(tracer), sc.URL, sc.Timeout)
}

// NewReader 为 worker 创建指定 topic 的消费者
func (rt *Runtime) NewReader(topic string) *kafka.Reader {
	k := rt.Config.Infra.Kafka
	return mq.NewKafkaReader(k.BrokerList(), topic, k.ConsumerGroup)
}

// NewRetryWriter 创建不绑定 topic 的 writer，供 FailureHandler 回投和投递死信
func (rt *Runtime) NewRetryWriter() *kafka.Writer {
	w := mq.NewKafkaWriter(rt.Config.Infra.Kafka.BrokerList(), "")
	rt.writers = append(rt.writers, w)
	return w
}

// Close 按打开的逆序释放资源
func (rt *Runtime) Close(ctx context.Context) {
	for _, w := range rt.writers {
		if err := w.Close(); err != nil {
			zlog.Error().Err(err).Msg("close kafka writer")
		}
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			zlog.Error().Err(err).Msg("close redis client")
		}
	}
	if rt.db != nil {
		if sqlDB, err := rt.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	logger.Ctx(ctx).Info().Msg("ledger runtime closed")
}
