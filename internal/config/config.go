package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds runtime configuration for the dashboard service.
type Config struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string

	BackendURL      string
	BackendTimeout  time.Duration
	RefreshInterval time.Duration
	ClipRoute       string

	AuditEnabled      bool
	AuditDriver       string
	AuditSQLitePath   string
	AuditDBHost       string
	AuditDBPort       int
	AuditDBUser       string
	AuditDBPassword   string
	AuditDBName       string
	AuditConnTimeout  time.Duration
	AuditQueryTimeout time.Duration
	AuditListLimit    int
}

// FromEnv loads configuration from environment variables with sensible defaults.
func FromEnv() Config {
	loadConfigDefaultsFromFile()

	return Config{
		ListenAddr:        getEnv("APP_LISTEN_ADDR", ":8090"),
		ReadTimeout:       time.Duration(getEnvInt("APP_READ_TIMEOUT_SEC", 10)) * time.Second,
		WriteTimeout:      time.Duration(getEnvInt("APP_WRITE_TIMEOUT_SEC", 20)) * time.Second,
		ShutdownTimeout:   time.Duration(getEnvInt("APP_SHUTDOWN_TIMEOUT_SEC", 10)) * time.Second,
		LogLevel:          strings.ToLower(getEnv("APP_LOG_LEVEL", "info")),
		BackendURL:        strings.TrimRight(getEnv("APP_BACKEND_URL", "http://127.0.0.1:5000"), "/"),
		BackendTimeout:    time.Duration(getEnvInt("APP_BACKEND_TIMEOUT_SEC", 5)) * time.Second,
		RefreshInterval:   time.Duration(getEnvInt("APP_REFRESH_INTERVAL_SEC", 5)) * time.Second,
		ClipRoute:         normalizeRoute(getEnv("APP_CLIP_ROUTE", "/clips/")),
		AuditEnabled:      getEnvBool("APP_AUDIT_ENABLED", false),
		AuditDriver:       strings.ToLower(getEnv("APP_AUDIT_DRIVER", "sqlite")),
		AuditSQLitePath:   getEnv("APP_AUDIT_SQLITE_PATH", "./detection-dashboard-audit.db"),
		AuditDBHost:       getEnv("APP_AUDIT_DB_HOST", "127.0.0.1"),
		AuditDBPort:       getEnvInt("APP_AUDIT_DB_PORT", 3306),
		AuditDBUser:       getEnv("APP_AUDIT_DB_USER", "dashboard"),
		AuditDBPassword:   getEnv("APP_AUDIT_DB_PASSWORD", ""),
		AuditDBName:       getEnv("APP_AUDIT_DB_NAME", "dashboard"),
		AuditConnTimeout:  time.Duration(getEnvInt("APP_AUDIT_DB_CONN_TIMEOUT_SEC", 5)) * time.Second,
		AuditQueryTimeout: time.Duration(getEnvInt("APP_AUDIT_DB_QUERY_TIMEOUT_SEC", 10)) * time.Second,
		AuditListLimit:    getEnvInt("APP_AUDIT_LIST_LIMIT", 50),
	}
}

// loadConfigDefaultsFromFile applies KEY=VALUE files as defaults. godotenv never
// overrides variables that are already set in the process environment.
func loadConfigDefaultsFromFile() {
	candidates := make([]string, 0, 4)
	if explicit := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); explicit != "" {
		candidates = append(candidates, explicit)
	}
	candidates = append(candidates,
		"./detection-dashboard.env",
		"/etc/default/detection-dashboard",
		"/etc/detection-dashboard/config.env",
	)

	for _, candidate := range candidates {
		abs := candidate
		if !filepath.IsAbs(candidate) {
			if wd, err := os.Getwd(); err == nil {
				abs = filepath.Join(wd, candidate)
			}
		}
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		_ = godotenv.Load(abs)
	}
}

// MySQLDSN returns a mysql driver DSN for the audit journal.
func (c Config) MySQLDSN() string {
	params := url.Values{}
	params.Set("parseTime", "true")
	params.Set("timeout", c.AuditConnTimeout.String())
	params.Set("readTimeout", c.AuditQueryTimeout.String())
	params.Set("writeTimeout", c.AuditQueryTimeout.String())
	params.Set("charset", "utf8mb4")
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s", c.AuditDBUser, c.AuditDBPassword, c.AuditDBHost, c.AuditDBPort, c.AuditDBName, params.Encode())
}

// AuditDSN returns the DSN matching AuditDriver.
func (c Config) AuditDSN() string {
	if c.AuditDriver == "mysql" {
		return c.MySQLDSN()
	}
	return c.AuditSQLitePath
}

func normalizeRoute(route string) string {
	route = strings.TrimSpace(route)
	if route == "" {
		return "/clips/"
	}
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	if !strings.HasSuffix(route, "/") {
		route += "/"
	}
	return route
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return parsed
}

func getEnvBool(key string, def bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return parsed
}
