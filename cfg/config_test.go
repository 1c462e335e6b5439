package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Configuration {
	t.Helper()
	c := Default()
	c.DataDir = filepath.Join(t.TempDir(), "data")
	c.Tables = []TableConfiguration{
		{Name: "Content", SourceTable: "contents", PrimaryKey: "id", UpdatedAtColumn: "updated_at"},
		{Name: "User", SourceTable: "users", PrimaryKey: "id", UpdatedAtColumn: "updated_at"},
	}
	c.Source.DSN = "postgres://sync@localhost/knowton"
	c.Bus.Enabled = true
	c.Bus.Brokers = []string{"localhost:9092"}
	c.Columnar.Enabled = true
	c.Columnar.DSN = "clickhouse://localhost:9000/analytics"
	c.Search.Enabled = true
	c.Search.Addresses = []string{"http://localhost:9200"}
	return c
}

func TestValidate_ValidConfig(t *testing.T) {
	c := validConfig(t)
	require.NoError(t, c.Validate())

	_, err := os.Stat(c.DataDir)
	assert.NoError(t, err, "data dir should be created")
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"no tables", func(c *Configuration) { c.Tables = nil }},
		{"duplicate table", func(c *Configuration) { c.Tables[1].Name = "content" }},
		{"table without source", func(c *Configuration) { c.Tables[0].SourceTable = "" }},
		{"no source dsn", func(c *Configuration) { c.Source.DSN = "" }},
		{"no sinks", func(c *Configuration) {
			c.Bus.Enabled, c.Columnar.Enabled, c.Search.Enabled = false, false, false
		}},
		{"kafka without brokers", func(c *Configuration) { c.Bus.Brokers = nil }},
		{"nats without url", func(c *Configuration) { c.Bus.Type = BusNATS }},
		{"unknown bus", func(c *Configuration) { c.Bus.Type = "amqp" }},
		{"columnar without dsn", func(c *Configuration) { c.Columnar.DSN = "" }},
		{"search without addresses", func(c *Configuration) { c.Search.Addresses = nil }},
		{"zero attempts", func(c *Configuration) { c.Retry.MaxAttempts = 0 }},
		{"cap below base", func(c *Configuration) { c.Retry.MaxDelayMS = 10 }},
		{"jitter above one", func(c *Configuration) { c.Retry.Jitter = 1.5 }},
		{"lag warning above critical", func(c *Configuration) { c.Health.LagWarningSeconds = 600 }},
		{"error rate critical above one", func(c *Configuration) { c.Health.ErrorRateCritical = 2 }},
		{"no watchdog", func(c *Configuration) { c.Health.WatchdogIntervalSeconds = 0 }},
		{"bad schedule", func(c *Configuration) { c.Consistency.Schedule = "every hour" }},
		{"window without column", func(c *Configuration) {
			c.Consistency.WindowHours = 24
			c.Tables[0].UpdatedAtColumn = ""
		}},
		{"archive without bucket", func(c *Configuration) { c.Consistency.Archive.Enabled = true }},
		{"bad port", func(c *Configuration) { c.Server.Port = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig(t)
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestValidate_DisabledScheduleNotParsed(t *testing.T) {
	c := validConfig(t)
	c.Consistency.Enabled = false
	c.Consistency.Schedule = "nonsense"
	assert.NoError(t, c.Validate())
}

func TestLoad_FileEnvAndOverrides(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	dir := t.TempDir()
	path := filepath.Join(dir, "cdcsync.toml")
	content := `
data_dir = "/var/lib/cdcsync"

[[tables]]
name = "Content"
source_table = "contents"
primary_key = "id"

[source]
dsn = "postgres://file"
batch_size = 50

[bus]
enabled = true
type = "nats"
nats_url = "nats://localhost:4222"

[retry]
max_attempts = 3
jitter = 0.1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	t.Setenv("CDCSYNC_SOURCE_DSN", "postgres://env")
	t.Setenv("CDCSYNC_SEARCH_ADDRESSES", "http://a:9200, http://b:9200")

	require.NoError(t, Load(path, Overrides{DataDir: dir, Port: 9999, Verbose: true}))

	assert.Equal(t, dir, Config.DataDir)
	assert.Equal(t, 9999, Config.Server.Port)
	assert.True(t, Config.Logging.Verbose)
	assert.Equal(t, "postgres://env", Config.Source.DSN)
	assert.Equal(t, 50, Config.Source.BatchSize)
	assert.Equal(t, 1024, Config.Source.QueueCapacity, "defaults survive partial files")
	assert.Equal(t, BusNATS, Config.Bus.Type)
	assert.Equal(t, 3, Config.Retry.MaxAttempts)
	assert.Equal(t, 0.1, Config.Retry.Jitter)
	assert.Equal(t, []string{"http://a:9200", "http://b:9200"}, Config.Search.Addresses)
	require.Len(t, Config.Tables, 1)
	assert.Equal(t, "contents", Config.Tables[0].SourceTable)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	require.NoError(t, Load(filepath.Join(t.TempDir(), "missing.toml"), Overrides{}))
	assert.Equal(t, 8090, Config.Server.Port)
	assert.Equal(t, "cdc_changes", Config.Source.ChangeTable)
}

func TestLoad_InvalidTOML(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[source\ndsn="), 0644))
	assert.Error(t, Load(path, Overrides{}))
}

func TestDurations(t *testing.T) {
	c := Default()
	c.Consistency.WindowHours = 6
	assert.Equal(t, "500ms", c.PollInterval().String())
	assert.Equal(t, "30s", c.DrainTimeout().String())
	assert.Equal(t, "6h0m0s", c.ConsistencyWindow().String())
	assert.Equal(t, "250ms", Millis(250).String())
}
