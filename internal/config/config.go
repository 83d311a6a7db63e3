// 包 config：服务配置（内置默认值 → 可选 YAML 文件 → 环境变量）
// 背景：数据源地址、限流、阈值与兜底街道列表需按部署区域调整；YAML 承载列表类配置，环境变量承载地址与密钥。
// 约束：任何来源缺失都不报错，回退到默认值；YAML 文件存在但解析失败时返回错误。
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"territory-api/internal/logger"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr    string `yaml:"addr"`
	APIBase string `yaml:"api_base"`
	// Country：地名改写中的国家部分；为空时尝试 GeoIP 推断
	Country      string   `yaml:"country"`
	CountryCodes []string `yaml:"country_codes"`

	Nominatim NominatimConfig `yaml:"nominatim"`
	Overpass  OverpassConfig  `yaml:"overpass"`
	Places    PlacesConfig    `yaml:"places"`
	Backend   BackendConfig   `yaml:"backend"`

	Limits    LimitsConfig    `yaml:"limits"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Streets   StreetsConfig   `yaml:"streets"`
	Buildings BuildingsConfig `yaml:"buildings"`
	Inference InferenceConfig `yaml:"inference"`
	Polygon   PolygonConfig   `yaml:"polygon"`

	Cache  CacheConfig  `yaml:"cache"`
	Kafka  KafkaConfig  `yaml:"kafka"`
	GeoIP  GeoIPConfig  `yaml:"geoip"`
	Store  StoreConfig  `yaml:"store"`
	Server ServerConfig `yaml:"server"`
}

type NominatimConfig struct {
	BaseURL   string `yaml:"base_url"`
	UserAgent string `yaml:"user_agent"`
	Email     string `yaml:"email"`
}

type OverpassConfig struct {
	Endpoint    string `yaml:"endpoint"`
	MaxParallel int    `yaml:"max_parallel"`
}

type PlacesConfig struct {
	BaseURL  string `yaml:"base_url"`
	Key      string `yaml:"-"`
	Language string `yaml:"language"`
}

type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"-"`
}

type LimitsConfig struct {
	// 每个数据源每秒请求数；未列出的数据源使用 DefaultRate
	Rates       map[string]int `yaml:"rates"`
	DefaultRate int            `yaml:"default_rate"`
	Timeout     time.Duration  `yaml:"timeout"`
	// 单次检测会话的外部调用预算；0 表示不限
	SessionBudget int           `yaml:"session_budget"`
	Delay         time.Duration `yaml:"delay"`
	HTTPQPS       int           `yaml:"http_qps"`
}

type ResolverConfig struct {
	MinImportance float64             `yaml:"min_importance"`
	AllowedTypes  map[string][]string `yaml:"allowed_types"`
	Caps          map[string]int      `yaml:"caps"`
}

type StreetsConfig struct {
	HighwayTypes []string `yaml:"highway_types"`
	// 兜底街道列表，键为社区名（小写）；"*" 为通用列表
	Fallback map[string][]string `yaml:"fallback"`
}

type BuildingsConfig struct {
	RadiusMeters    int      `yaml:"radius_meters"`
	BoundaryPadDeg  float64  `yaml:"boundary_pad_deg"`
	BuildingTags    []string `yaml:"building_tags"`
	NearbyKeywords  []string `yaml:"nearby_keywords"`
	NearbyRadius    int      `yaml:"nearby_radius"`
	GridSize        int      `yaml:"grid_size"`
	GridStepMeters  float64  `yaml:"grid_step_meters"`
	ForwardSweepMax int      `yaml:"forward_sweep_max"`
}

type InferenceConfig struct {
	MinObserved int     `yaml:"min_observed"`
	Span        int     `yaml:"span"`
	CapFactor   int     `yaml:"cap_factor"`
	Confidence  float64 `yaml:"confidence"`
}

type PolygonConfig struct {
	PadMeters float64 `yaml:"pad_meters"`
}

type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type GeoIPConfig struct {
	Path string `yaml:"path"`
}

type StoreConfig struct {
	Enabled bool `yaml:"enabled"`
}

type ServerConfig struct {
	// 会话空闲多久后被回收
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// Default：内置默认值
func Default() Config {
	return Config{
		Addr:    ":8080",
		APIBase: "/api",
		Nominatim: NominatimConfig{
			BaseURL:   "https://nominatim.openstreetmap.org",
			UserAgent: "territory-api/1.0",
		},
		Overpass: OverpassConfig{Endpoint: "https://overpass-api.de/api/interpreter", MaxParallel: 2},
		Places:   PlacesConfig{BaseURL: "https://maps.googleapis.com/maps/api", Language: "en"},
		Limits: LimitsConfig{
			Rates:         map[string]int{"nominatim": 1, "overpass": 2, "places": 10},
			DefaultRate:   5,
			Timeout:       15 * time.Second,
			SessionBudget: 600,
			Delay:         200 * time.Millisecond,
			HTTPQPS:       50,
		},
		Resolver: ResolverConfig{
			MinImportance: 0.5,
			AllowedTypes: map[string][]string{
				"area":         {"state", "region", "province", "county", "administrative"},
				"municipality": {"city", "town", "municipality", "village", "administrative"},
				"community":    {"suburb", "neighbourhood", "quarter", "village", "hamlet", "residential", "locality", "city_district"},
			},
			Caps: map[string]int{"area": 10, "municipality": 15, "community": 25},
		},
		Streets: StreetsConfig{
			HighwayTypes: []string{"residential", "living_street", "unclassified"},
		},
		Buildings: BuildingsConfig{
			RadiusMeters:    50,
			BoundaryPadDeg:  0.01,
			BuildingTags:    []string{"house", "residential", "detached", "semidetached_house", "terrace", "apartments", "yes"},
			NearbyKeywords:  []string{"house", "residence", "home"},
			NearbyRadius:    150,
			GridSize:        3,
			GridStepMeters:  60,
			ForwardSweepMax: 100,
		},
		Inference: InferenceConfig{MinObserved: 3, Span: 50, CapFactor: 3, Confidence: 0.3},
		Polygon:   PolygonConfig{PadMeters: 100},
		Cache:     CacheConfig{Size: 4096, TTL: 6 * time.Hour},
		Kafka:     KafkaConfig{Topic: "territory.ready"},
		Server:    ServerConfig{SessionTTL: 2 * time.Hour},
	}
}

// 文档注释：加载配置
// 背景：先读取 .env 与 data/env/.env，再读 TERRITORY_CONFIG 指向的 YAML，最后由环境变量覆盖。
func Load() (Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	cfg := Default()
	if p := os.Getenv("TERRITORY_CONFIG"); p != "" {
		if err := cfg.LoadFile(p); err != nil {
			return cfg, err
		}
		logger.L().Debug("config_file_loaded", "path", p)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// LoadFile：YAML 覆盖到当前配置；未出现的字段保持原值
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnv() {
	setStr(&c.Addr, "ADDR")
	if p := os.Getenv("PORT"); p != "" && os.Getenv("ADDR") == "" {
		c.Addr = ":" + p
	}
	setStr(&c.APIBase, "API_BASE")
	setStr(&c.Country, "TERRITORY_COUNTRY")
	if v := os.Getenv("TERRITORY_COUNTRY_CODES"); v != "" {
		c.CountryCodes = splitList(v)
	}
	setStr(&c.Nominatim.BaseURL, "NOMINATIM_URL")
	setStr(&c.Nominatim.UserAgent, "NOMINATIM_USER_AGENT")
	setStr(&c.Nominatim.Email, "NOMINATIM_EMAIL")
	setStr(&c.Overpass.Endpoint, "OVERPASS_URL")
	setStr(&c.Places.BaseURL, "PLACES_URL")
	setStr(&c.Places.Key, "PLACES_API_KEY")
	setStr(&c.Places.Language, "PLACES_LANGUAGE")
	setStr(&c.Backend.BaseURL, "BACKEND_URL")
	setStr(&c.Backend.Token, "BACKEND_TOKEN")
	setDuration(&c.Limits.Timeout, "PROVIDER_TIMEOUT")
	setDuration(&c.Limits.Delay, "PROVIDER_DELAY")
	setInt(&c.Limits.SessionBudget, "SESSION_API_BUDGET")
	setInt(&c.Limits.HTTPQPS, "QPS")
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	setStr(&c.Kafka.Topic, "KAFKA_TOPIC")
	setStr(&c.GeoIP.Path, "GEOIP_PATH")
	setDuration(&c.Server.SessionTTL, "SESSION_TTL")
	if v := os.Getenv("STORE_ENABLED"); v != "" {
		c.Store.Enabled = v == "true"
	}
}

func (c *Config) applyDefaults() {
	// 背景：超时限定在 10–20s 区间，避免单次外部调用拖垮整条降级链
	if c.Limits.Timeout < 10*time.Second {
		c.Limits.Timeout = 10 * time.Second
	}
	if c.Limits.Timeout > 20*time.Second {
		c.Limits.Timeout = 20 * time.Second
	}
	if c.Limits.DefaultRate <= 0 {
		c.Limits.DefaultRate = 5
	}
	if c.Buildings.GridSize <= 0 {
		c.Buildings.GridSize = 3
	}
	if c.Buildings.RadiusMeters <= 0 {
		c.Buildings.RadiusMeters = 50
	}
	if c.Inference.MinObserved < 2 {
		c.Inference.MinObserved = 2
	}
	if c.Cache.Size <= 0 {
		c.Cache.Size = 4096
	}
	if !strings.HasPrefix(c.APIBase, "/") {
		c.APIBase = "/" + c.APIBase
	}
}

// FallbackStreets：社区兜底列表优先，其次通用列表
func (c Config) FallbackStreets(community string) []string {
	if xs, ok := c.Streets.Fallback[strings.ToLower(strings.TrimSpace(community))]; ok && len(xs) > 0 {
		return xs
	}
	return c.Streets.Fallback["*"]
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	// 兼容纯数字（毫秒）
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Millisecond
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
