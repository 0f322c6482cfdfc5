// Package config initializes the application's configuration. It uses the
// Viper library to read settings from a config file and environment
// variables, providing a unified configuration system.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// InitConfig initializes the application's configuration using Viper. It is
// designed to be called once at startup, before any subsystem reads its
// settings.
func InitConfig() {
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/quarry-agent/")
	viper.AddConfigPath("$HOME/.quarry-agent")

	setDefaults()

	// e.g. QUARRY_METADATA_DSN, QUARRY_SERVER_ADDR
	viper.SetEnvPrefix("QUARRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// A missing config file is fine: defaults plus environment variables are
	// a complete configuration.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic("read config file: " + err.Error())
		}
	}
}

func setDefaults() {
	viper.SetDefault("logging.development", false)

	// agent.mode selects which roles this process runs:
	// "manager" serves the API, "worker" runs the crawl loop, "all" both.
	viper.SetDefault("agent.mode", "all")

	// tenancy.mode is "single" or "multi".
	viper.SetDefault("tenancy.mode", "single")
	viper.SetDefault("tenancy.keyspace", "tenant_default")
	viper.SetDefault("tenancy.index", "pages_default")

	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.timeout_seconds", 60)

	viper.SetDefault("metadata.dsn", "")
	viper.SetDefault("metadata.max_conns", 8)
	viper.SetDefault("metadata.min_conns", 1)
	viper.SetDefault("metadata.max_conn_lifetime", "30m")
	viper.SetDefault("metadata.max_attempts", 5)
	viper.SetDefault("metadata.claim_batch", 5)

	viper.SetDefault("storage.endpoint", "localhost:9000")
	viper.SetDefault("storage.region", "us-east-1")
	viper.SetDefault("storage.bucket", "quarry-pages")
	viper.SetDefault("storage.access_key", "")
	viper.SetDefault("storage.secret_key", "")
	viper.SetDefault("storage.use_ssl", false)
	viper.SetDefault("storage.compress", true)
	viper.SetDefault("storage.compress_min_size", 1024)

	viper.SetDefault("search.addresses", []string{"http://localhost:9200"})
	viper.SetDefault("search.username", "")
	viper.SetDefault("search.password", "")

	viper.SetDefault("crawler.user_agent", "")
	viper.SetDefault("crawler.timeout", "30s")
	viper.SetDefault("crawler.max_body_bytes", 10*1024*1024)
	viper.SetDefault("crawler.robots_ttl", "24h")

	viper.SetDefault("processor.poll_interval", "10s")
	viper.SetDefault("processor.lease_ttl", "5m")
	viper.SetDefault("processor.reaper_interval", "1m")
	viper.SetDefault("processor.tenant_concurrency", 4)
	viper.SetDefault("processor.discovered_priority", 5)
}
