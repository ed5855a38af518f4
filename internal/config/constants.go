package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 10
	DBMaxIdleConns    = 2
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 30 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Ping timeout for backing services at startup
const PingTimeout = 5 * time.Second

// WebSocket connection settings
const (
	WSWriteWait      = 10 * time.Second
	WSPongWait       = 60 * time.Second
	WSPingPeriod     = (WSPongWait * 9) / 10
	WSMaxMessageSize = 1 << 20
	WSSendBuffer     = 64
	WSEventBurst     = 20
)

// Background job intervals
const CleanupJobInterval = time.Minute

// Connection attempts allowed per IP per minute on the upgrade endpoint
const UpgradeLimitPerMin = 30

// Usage events buffered before new ones are dropped
const UsageQueueSize = 1024
