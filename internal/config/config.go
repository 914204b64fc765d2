package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
	TypingTTLSeconds      int
	AdapterTimeoutSeconds int
	SendQueueSize         int
	DefaultPageSize       int
	ModerationBlocklist   []string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getint(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// Load 读取环境变量生成配置；存在 .env 文件时先加载它。
func Load() Config {
	_ = godotenv.Load()
	blocklist := []string{}
	if raw := getenv("MODERATION_BLOCKLIST", ""); raw != "" {
		for _, w := range strings.Split(raw, ",") {
			if w = strings.TrimSpace(w); w != "" {
				blocklist = append(blocklist, w)
			}
		}
	}
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=ideachat port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", "dev-secret-change-me"),
		Env:                   getenv("APP_ENV", "dev"),
		AccessTokenTTLMinutes: getint("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:   getint("REFRESH_TOKEN_TTL_DAYS", 7),
		TypingTTLSeconds:      getint("TYPING_TTL_SECONDS", 3),
		AdapterTimeoutSeconds: getint("ADAPTER_TIMEOUT_SECONDS", 5),
		SendQueueSize:         getint("WS_SEND_QUEUE_SIZE", 256),
		DefaultPageSize:       getint("HISTORY_PAGE_SIZE", 50),
		ModerationBlocklist:   blocklist,
	}
}
