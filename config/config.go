package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config 应用配置，全部来自环境变量（支持 .env 文件）
type Config struct {
	// 服务
	ServerAddr string
	JWTSecret  string

	// Redis：共享状态存储 + 跨进程发布订阅
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MySQL：第三方服务凭证持久化
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// MinIO：房间导出归档
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool

	// 插件
	PluginDir         string
	PluginTimeout     time.Duration
	LuaCallTimeout    time.Duration
	LuaRegistryMaxLen int

	// 后台任务
	CleanupInterval      time.Duration
	RefreshInterval      time.Duration
	ReconcileInterval    time.Duration
	PollInterval         time.Duration
	JobConcurrency       int
	RoomTTL              time.Duration // 房主离线且非持久化房间的过期时间
	UserGraceTTL         time.Duration // 离线且不拥有房间的用户记录保留时间
	IdleThreshold        time.Duration // 房间无人多久后暂停媒体轮询
	TokenRefreshMaxAge   time.Duration
	QueueSyncMinInterval time.Duration

	// 第三方适配器
	NeteaseAPIURL string

	// 日志
	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration 解析 time.ParseDuration 格式，如 "30s"、"24h"
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),
		JWTSecret:  getEnv("JWT_SECRET", "dev-secret-change-me"),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnv("DB_NAME", "roomcast"),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "roomcast"),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		PluginDir:         getEnv("PLUGIN_DIR", "plugins"),
		PluginTimeout:     getEnvDuration("PLUGIN_TIMEOUT", 5*time.Second),
		LuaCallTimeout:    getEnvDuration("LUA_CALL_TIMEOUT", 2*time.Second),
		LuaRegistryMaxLen: getEnvInt("LUA_REGISTRY_MAX", 64*1024),

		CleanupInterval:      getEnvDuration("JOB_CLEANUP_INTERVAL", time.Minute),
		RefreshInterval:      getEnvDuration("JOB_REFRESH_INTERVAL", 5*time.Minute),
		ReconcileInterval:    getEnvDuration("JOB_RECONCILE_INTERVAL", 15*time.Second),
		PollInterval:         getEnvDuration("JOB_POLL_INTERVAL", 10*time.Second),
		JobConcurrency:       getEnvInt("JOB_CONCURRENCY", 8),
		RoomTTL:              getEnvDuration("ROOM_TTL", 24*time.Hour),
		UserGraceTTL:         getEnvDuration("USER_GRACE_TTL", time.Hour),
		IdleThreshold:        getEnvDuration("ROOM_IDLE_THRESHOLD", 10*time.Minute),
		TokenRefreshMaxAge:   getEnvDuration("TOKEN_REFRESH_MAX_AGE", 30*time.Minute),
		QueueSyncMinInterval: getEnvDuration("QUEUE_SYNC_MIN_INTERVAL", 30*time.Second),

		NeteaseAPIURL: getEnv("NETEASE_API_URL", "http://localhost:3000"),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFile:       getEnv("LOG_FILE", ""),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 30),
	}
}
