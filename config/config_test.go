package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() Config {
	return Config{
		IndexBackend:      IndexBackendPostgres,
		StorageBackend:    StorageBackendRedis,
		StorageSQLitePath: "fern-products.db",
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown index backend", mutate: func(c *Config) { c.IndexBackend = "mysql" }, wantErr: "unknown index backend"},
		{name: "unknown storage backend", mutate: func(c *Config) { c.StorageBackend = "s3" }, wantErr: "unknown storage backend"},
		{name: "sqlite without path", mutate: func(c *Config) {
			c.StorageBackend = StorageBackendSQLite
			c.StorageSQLitePath = ""
		}, wantErr: "STORAGE_SQLITE_PATH"},
		{name: "auth without issuer", mutate: func(c *Config) { c.AuthEnabled = true }, wantErr: "AUTH_ISSUER_URL"},
		{name: "archive without policies", mutate: func(c *Config) { c.ArchiveEnabled = true }, wantErr: "ARCHIVE_POLICY_FILE"},
		{name: "memory index with persistent storage", mutate: func(c *Config) { c.IndexBackend = IndexBackendMemory }, wantErr: "memory index"},
		{name: "memory index with memory storage", mutate: func(c *Config) {
			c.IndexBackend = IndexBackendMemory
			c.StorageBackend = StorageBackendMemory
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_UsesRedis(t *testing.T) {
	cfg := validConfig()
	assert.True(t, cfg.UsesRedis())

	cfg.StorageBackend = StorageBackendSQLite
	assert.False(t, cfg.UsesRedis())
}
