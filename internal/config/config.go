package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                      string
	AllowedOrigin             string
	DatabaseURL               string
	RedisAddr                 string
	RedisPassword             string
	RedisDB                   int
	PriceIndexCacheTTLSeconds int
	AuthSecret                string
	AccessTokenTTLMinutes     int
	LoginAttemptMax           int
	LoginAttemptWindowSeconds int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	cacheTTL, err := strconv.Atoi(getEnv("PRICE_INDEX_CACHE_TTL_SECONDS", "600"))
	if err != nil || cacheTTL < 1 {
		cacheTTL = 600
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	loginMax, err := strconv.Atoi(getEnv("LOGIN_ATTEMPT_MAX", "5"))
	if err != nil || loginMax < 1 {
		loginMax = 5
	}
	loginWindow, err := strconv.Atoi(getEnv("LOGIN_ATTEMPT_WINDOW_SECONDS", "60"))
	if err != nil || loginWindow < 1 {
		loginWindow = 60
	}

	cfg := Config{
		Port:                      getEnv("PORT", "8080"),
		AllowedOrigin:             getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:               os.Getenv("DATABASE_URL"),
		RedisAddr:                 os.Getenv("REDIS_ADDR"),
		RedisPassword:             os.Getenv("REDIS_PASSWORD"),
		RedisDB:                   redisDB,
		PriceIndexCacheTTLSeconds: cacheTTL,
		AuthSecret:                strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:     tokenTTL,
		LoginAttemptMax:           loginMax,
		LoginAttemptWindowSeconds: loginWindow,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
