package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/SafeScanQR/SafeScanQR/internal/activation"
	"github.com/SafeScanQR/SafeScanQR/internal/common/config"
	"github.com/SafeScanQR/SafeScanQR/internal/common/db"
	"github.com/SafeScanQR/SafeScanQR/internal/common/logger"
	"github.com/SafeScanQR/SafeScanQR/internal/common/middleware"
	"github.com/SafeScanQR/SafeScanQR/internal/common/server"
	"github.com/SafeScanQR/SafeScanQR/internal/common/tracing"
	"github.com/SafeScanQR/SafeScanQR/internal/events"
	"github.com/SafeScanQR/SafeScanQR/internal/fleet"
	"github.com/SafeScanQR/SafeScanQR/internal/payment"
	"github.com/SafeScanQR/SafeScanQR/internal/profile"
	"github.com/SafeScanQR/SafeScanQR/internal/qrassets"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// viewSource 把 profile / fleet 两侧的公开视图拼成解析路径需要的接口。
type viewSource struct {
	profiles *profile.Service
	vehicles *fleet.Service
}

func (v *viewSource) ProfileView(ctx context.Context, profileID string) (*activation.PublicEmergencyView, error) {
	return v.profiles.ProfileView(ctx, profileID)
}

func (v *viewSource) VehicleView(ctx context.Context, vehicleID string) (*activation.PublicEmergencyView, error) {
	return v.vehicles.VehicleView(ctx, vehicleID)
}

func main() {
	configPath := flag.String("config", "configs/activation-service.json", "配置文件路径")
	consulKey := flag.String("consul-config-key", "", "从 Consul KV 读取配置的 key（优先于本地文件）")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *consulKey != "" {
		local := config.GetConfig()
		cfg, err = config.LoadConfigFromConsulKV(local.Consul.Host, local.Consul.Port, *consulKey)
	} else {
		cfg, err = config.LoadConfig(*configPath)
	}
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output, cfg.Log.Path)
	if err != nil {
		logrus.Fatalf("Failed to init logger: %v", err)
	}

	// 链路追踪（InitTracer 内部会设置全局 tracer）
	if _, closer, err := tracing.InitTracer(cfg.Server.Name, cfg.Jaeger.Endpoint, cfg.Jaeger.Sampler); err != nil {
		log.Warnf("failed to init tracer: %v", err)
	} else {
		defer closer.Close()
	}

	// 数据库
	gormDB, err := db.NewMySQL(
		cfg.Database.Host, cfg.Database.Port,
		cfg.Database.User, cfg.Database.Password, cfg.Database.Database,
		cfg.Database.MaxIdle, cfg.Database.MaxOpen,
	)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	if err := gormDB.AutoMigrate(
		&profile.Profile{},
		&profile.EmergencyContact{},
		&profile.MedicalInfo{},
		&profile.EmergencyNote{},
		&fleet.FleetVehicle{},
		&fleet.FleetDriver{},
		&activation.Activation{},
		&activation.FreeTierCounter{},
		&activation.Payment{},
	); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}
	// 播种免费额度计数器行
	if err := activation.EnsureCounter(context.Background(), gormDB); err != nil {
		log.Fatalf("failed to seed free-tier counter: %v", err)
	}

	// Redis（解析缓存，连不上只是少了缓存，直接落库）
	var redisClient *redis.Client
	if cfg.Redis.Host != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Warnf("redis unavailable, resolve cache disabled: %v", err)
			redisClient = nil
		}
		cancel()
	}

	// Kafka 事件（未配置则为 nil，编排器跳过发事件）
	eventPublisher := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.ActivationTopic)
	if eventPublisher != nil {
		defer eventPublisher.Close()
	}

	// 二维码图片存储
	assetStore, err := qrassets.NewDiskStore(cfg.Assets.Dir)
	if err != nil {
		log.Fatalf("failed to init asset store: %v", err)
	}
	assetPublisher := qrassets.NewPublisher(assetStore, cfg.Server.PublicBaseURL)

	// 支付渠道
	var provider payment.Provider
	if cfg.Stripe.Mock {
		provider = payment.NewMockProvider()
		log.Warn("using mock payment provider")
	} else {
		provider, err = payment.NewStripeProvider(cfg.Stripe.SecretKey)
		if err != nil {
			log.Fatalf("failed to init stripe provider: %v", err)
		}
	}

	// 组装各层
	profileSvc := profile.NewService(profile.NewRepo(gormDB), activation.NewGormLedger(gormDB))
	ledger := activation.NewGormLedger(gormDB)
	payments := activation.NewGormPaymentRecorder(gormDB)

	activationSvc := activation.NewService(
		ledger, payments, profileSvc,
		assetPublisher, eventPublisher, provider,
		cfg.Activation, log,
	)

	fleetSvc := fleet.NewService(
		fleet.NewRepo(gormDB), ledger,
		assetPublisher, eventPublisher,
		cfg.Activation.TokenMaxRetries, log,
	)

	resolver := activation.NewResolver(
		ledger,
		&viewSource{profiles: profileSvc, vehicles: fleetSvc},
		redisClient,
		time.Duration(cfg.Redis.ResolveTTLSeconds)*time.Second,
		log,
	)

	activationHandler := activation.NewHandler(activationSvc, resolver, assetPublisher, log)
	profileHandler := profile.NewHandler(profileSvc, cfg.Auth, log)
	fleetHandler := fleet.NewHandler(fleetSvc, log)

	// 扫码解析是公共入口，全局套一个令牌桶兜底
	limiter := middleware.NewTokenBucket(200, 100)

	err = server.RunHTTPServer(cfg, log, func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(
				server.RateLimitMiddleware(limiter),
				server.JWTAuthMiddleware(cfg.Auth, log),
			)
			activationHandler.Routes(r)
			profileHandler.Routes(r)
			fleetHandler.Routes(r)
		})
	})
	if err != nil {
		log.Fatalf("server exited with error: %v", err)
	}
}
