// Package config handles configuration loading for spreadapi-gateway.
//
// # Configuration File
//
// The binary reads SPREADAPI_CONFIG, falling back to
// $XDG_CONFIG_HOME/spreadapi/gateway.yaml. Files ending in .toml are parsed as TOML,
// everything else as YAML. Both formats use the same key names.
//
// A .env file next to the config file, and one in the working directory, are
// loaded before parsing. Variables already present in the environment win.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${SPREADAPI_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Duration values use time.ParseDuration syntax ("30s", "10m", "24h").
//
// # Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  public_url: "https://api.example.com"
//	  shutdown_timeout: "10s"
//	  background_workers: 4
//	  background_queue: 256
//
//	store:
//	  driver: "sqlite"               # sqlite, redis
//	  sqlite_path: "/var/lib/spreadapi/kv.db"
//	  redis_addr: "localhost:6379"
//	  sweep_interval: "1m"           # sqlite expiry sweep
//
//	blob:
//	  driver: "minio"                # memory, minio
//	  endpoint: "s3.example.com"
//	  bucket: "spreadapi-definitions"
//	  access_key: "${BLOB_ACCESS_KEY}"
//	  secret_key: "${BLOB_SECRET_KEY}"
//	  use_ssl: true
//
//	engine:
//	  url: "http://localhost:9000"
//	  timeout: "30s"
//
//	cache:
//	  definition_ttl: "30m"          # defaults to 24h on sqlite deployments
//	  result_ttl: "10m"              # between 5m and 15m
//	  workbook_max_entries: 1000
//	  workbook_max_bytes: 1073741824
//	  workbook_max_entry_bytes: 52428800
//	  workbook_idle_ttl: "30m"
//
//	webhook:
//	  timeout: "5s"
//	  rate_limit: 60
//	  rate_window: "60s"
//
//	auth:
//	  jwt_secret: "${SPREADAPI_JWT_SECRET}"   # at least 32 characters
//
//	oauth:
//	  issuer: "https://auth.example.com"
//	  scopes: ["mcp:read", "mcp:write"]
//
//	printjobs:
//	  ttl: "1h"
//
//	rate_limit:
//	  requests_per_second: 20
//	  burst: 40
//
//	tailscale:
//	  enabled: false
//	  hostname: "spreadapi"
//	  auth_key: "${TS_AUTHKEY}"
//
//	logging:
//	  level: "info"                  # debug, info, warn, error
//	  format: "text"                 # text, json
package config
