// 包 app：按配置装配检测管线（服务端与命令行共用）
// 背景：数据源适配器、限流器、缓存与可选的存储/事件/GeoIP 都在这里创建；可选组件初始化失败只降级，不阻断启动。
package app

import (
	"context"
	"errors"

	"territory-api/internal/backend"
	"territory-api/internal/buildings"
	"territory-api/internal/cache"
	"territory-api/internal/config"
	"territory-api/internal/detection"
	"territory-api/internal/events"
	"territory-api/internal/geoip"
	"territory-api/internal/inference"
	"territory-api/internal/logger"
	"territory-api/internal/migrate"
	"territory-api/internal/model"
	"territory-api/internal/nominatim"
	"territory-api/internal/overpass"
	"territory-api/internal/places"
	"territory-api/internal/provider"
	"territory-api/internal/ratelimit"
	"territory-api/internal/resolver"
	"territory-api/internal/store"
	"territory-api/internal/streets"
	"territory-api/internal/utils"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

type App struct {
	Config       config.Config
	Limiter      *ratelimit.Registry
	Cache        *cache.Cache
	Resolver     *resolver.Resolver
	Streets      *streets.Service
	Detector     *buildings.Detector
	Orchestrator *detection.Orchestrator
	Sessions     *detection.Manager
	Backend      *backend.Client
	// 以下可选，未配置时为 nil
	Store     *store.Store
	Publisher *events.Publisher
	GeoIP     *geoip.Locator

	db  *sqlx.DB
	rdb *redis.Client
}

// Options：命令行场景可关闭服务端专属组件
type Options struct {
	WithStore bool
	WithKafka bool
	WithGeoIP bool
}

func levelMap[T any](in map[string]T) map[model.Level]T {
	out := make(map[model.Level]T, len(in))
	for k, v := range in {
		if lv, ok := model.ParseLevel(k); ok {
			out[lv] = v
		}
	}
	return out
}

func Build(ctx context.Context, cfg config.Config, o Options) (*App, error) {
	l := logger.L()
	a := &App{Config: cfg}
	a.Limiter = ratelimit.NewRegistry(cfg.Limits.DefaultRate, cfg.Limits.Rates)

	copts := []cache.Option{cache.WithTTL(cfg.Cache.TTL)}
	if rdb := utils.OpenRedisFromEnv(); rdb != nil {
		if err := rdb.Ping(ctx).Err(); err != nil {
			l.Error("redis_ping_error", "err", err)
			_ = rdb.Close()
		} else {
			l.Info("redis_ping_ok")
			a.rdb = rdb
			copts = append(copts, cache.WithRedis(rdb))
		}
	} else {
		l.Info("redis_disabled")
	}
	a.Cache = cache.New(cfg.Cache.Size, copts...)

	gz := nominatim.New(nominatim.Options{
		BaseURL:   cfg.Nominatim.BaseURL,
		UserAgent: cfg.Nominatim.UserAgent,
		Email:     cfg.Nominatim.Email,
		Limiter:   a.Limiter,
		Timeout:   cfg.Limits.Timeout,
	})
	md := overpass.New(overpass.Options{
		Endpoint:     cfg.Overpass.Endpoint,
		MaxParallel:  cfg.Overpass.MaxParallel,
		HighwayTypes: cfg.Streets.HighwayTypes,
		Limiter:      a.Limiter,
		Timeout:      cfg.Limits.Timeout,
	})
	var pl *places.Client
	if cfg.Places.Key != "" {
		pl = places.New(places.Options{
			BaseURL:  cfg.Places.BaseURL,
			Key:      cfg.Places.Key,
			Language: cfg.Places.Language,
			Limiter:  a.Limiter,
			Timeout:  cfg.Limits.Timeout,
		})
	} else {
		l.Info("places_disabled", "reason", "no_api_key")
	}

	a.Resolver = resolver.New(gz, a.Cache, resolver.Options{
		Country:       cfg.Country,
		CountryCodes:  cfg.CountryCodes,
		MinImportance: cfg.Resolver.MinImportance,
		AllowedTypes:  levelMap(cfg.Resolver.AllowedTypes),
		Caps:          levelMap(cfg.Resolver.Caps),
	})
	bounds := buildings.NewBoundsResolver(md, a.Cache, cfg.Buildings.BoundaryPadDeg, 0)
	a.Detector = buildings.NewDetector(md, placesOrNil(pl), bounds, buildings.Options{
		RadiusMeters:    cfg.Buildings.RadiusMeters,
		BuildingTags:    cfg.Buildings.BuildingTags,
		NearbyKeywords:  cfg.Buildings.NearbyKeywords,
		NearbyRadius:    cfg.Buildings.NearbyRadius,
		GridSize:        cfg.Buildings.GridSize,
		GridStepMeters:  cfg.Buildings.GridStepMeters,
		ForwardSweepMax: cfg.Buildings.ForwardSweepMax,
		Delay:           cfg.Limits.Delay,
	})
	a.Streets = streets.New(md, placesOrNil(pl), bounds, a.Cache, streets.Options{
		Country:     cfg.Country,
		FallbackFor: cfg.FallbackStreets,
	})
	if cfg.Backend.BaseURL != "" {
		a.Backend = backend.New(cfg.Backend.BaseURL, cfg.Backend.Token, cfg.Limits.Timeout)
	}

	if o.WithStore && cfg.Store.Enabled {
		if err := a.openStore(); err != nil {
			l.Error("store_disabled", "err", err)
		}
	}
	if o.WithKafka {
		a.Publisher = events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}
	if o.WithGeoIP {
		loc, err := geoip.Open(cfg.GeoIP.Path)
		if err != nil {
			l.Error("geoip_open_error", "path", cfg.GeoIP.Path, "err", err)
		}
		a.GeoIP = loc
	}

	deps := detection.Deps{
		Resolver:  a.Resolver,
		Streets:   a.Streets,
		Detector:  a.Detector,
		Inference: inference.New(inference.Options(cfg.Inference)),
	}
	// 接口字段只在非 nil 时赋值，避免带类型的 nil
	if a.Backend != nil {
		deps.Saver = a.Backend
	}
	if a.Store != nil {
		deps.Recorder = a.Store
	}
	if a.Publisher != nil {
		deps.Notifier = a.Publisher
	}
	a.Orchestrator = detection.New(deps, detection.Options{
		Budget:       cfg.Limits.SessionBudget,
		RadiusMeters: cfg.Buildings.RadiusMeters,
		PadMeters:    cfg.Polygon.PadMeters,
	})
	a.Sessions = detection.NewManager(a.Resolver, cfg.Server.SessionTTL)
	return a, nil
}

func (a *App) openStore() error {
	db, err := utils.OpenPostgresFromEnv()
	if err != nil {
		return err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return err
	}
	logger.L().Info("db_ping_ok")
	if err := migrate.EnsureSchema(db); err != nil {
		_ = db.Close()
		return err
	}
	a.db = db
	a.Store = store.Attach(db)
	return nil
}

// placesOrNil：未配置密钥时返回 nil 接口，各组件据此跳过地点服务层级
func placesOrNil(c *places.Client) provider.Places {
	if c == nil {
		return nil
	}
	return c
}

func (a *App) Close() error {
	var errs []error
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close())
	}
	if a.GeoIP != nil {
		errs = append(errs, a.GeoIP.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	return errors.Join(errs...)
}
