package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newFlagSet(t))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxPages)
	assert.Equal(t, 120, cfg.PageSize)
	assert.Equal(t, "sqlite", cfg.StorageDriver)
	assert.Equal(t, "inference", cfg.InferenceQueue.Name)
	assert.Equal(t, 1, cfg.InferenceQueue.MaxConcurrency)
	assert.Equal(t, 20, cfg.InferenceQueue.MaxStarts)
	assert.Equal(t, time.Minute, cfg.InferenceQueue.Window)
	assert.Equal(t, 2*time.Second, cfg.InferenceBackoff)
}

func TestLoadEnvAndFlags(t *testing.T) {
	t.Setenv("MAX_PAGES", "7")
	t.Setenv("PAGE_CONCURRENCY", "5")

	cfg, err := Load(newFlagSet(t, "--page-concurrency=2", "--infer-window=30s"))
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.MaxPages, "env overrides default")
	assert.Equal(t, 2, cfg.PageQueue.MaxConcurrency, "flag overrides env")
	assert.Equal(t, 30*time.Second, cfg.InferenceQueue.Window)
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(newFlagSet(t, "--max-pages=0", "--asset-concurrency=0", "--storage-driver=mongo"))
	require.Error(t, err)
	msg := err.Error()
	assert.True(t, strings.Contains(msg, "max-pages"), msg)
	assert.True(t, strings.Contains(msg, "asset queue concurrency"), msg)
	assert.True(t, strings.Contains(msg, "mongo"), msg)
}

func TestDSN(t *testing.T) {
	c := &Config{StorageDriver: "sqlite", SQLitePath: "/tmp/a.db"}
	assert.Equal(t, "/tmp/a.db", c.DSN())

	c = &Config{
		StorageDriver:    "postgres",
		PostgresHost:     "db",
		PostgresPort:     "5432",
		PostgresUser:     "u",
		PostgresPassword: "p",
		PostgresDB:       "antiques",
		PostgresSSLMode:  "disable",
	}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=antiques sslmode=disable", c.DSN())
}
