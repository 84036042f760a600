package config

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// field binds a dotted key to a value in Config.
type field struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

func stringField(ptr func(c *Config) *string) field {
	return field{
		get: func(c *Config) string { return *ptr(c) },
		set: func(c *Config, v string) error { *ptr(c) = v; return nil },
	}
}

var fields = map[string]field{
	"data_dir":               stringField(func(c *Config) *string { return &c.DataDir }),
	"mis":                    stringField(func(c *Config) *string { return &c.MIS }),
	"server.url":             stringField(func(c *Config) *string { return &c.Server.URL }),
	"server.site_id":         stringField(func(c *Config) *string { return &c.Server.SiteID }),
	"server.server_password": stringField(func(c *Config) *string { return &c.Server.ServerPassword }),
	"server.client_password": stringField(func(c *Config) *string { return &c.Server.ClientPassword }),
	"server.proxy_url":       stringField(func(c *Config) *string { return &c.Server.ProxyURL }),
	"sims.reporter_command":  stringField(func(c *Config) *string { return &c.SIMS.ReporterCommand }),
	"sims.importer_command":  stringField(func(c *Config) *string { return &c.SIMS.ImporterCommand }),
	"sims.username":          stringField(func(c *Config) *string { return &c.SIMS.Username }),
	"sims.password":          stringField(func(c *Config) *string { return &c.SIMS.Password }),
	"sql.driver":             stringField(func(c *Config) *string { return &c.SQL.Driver }),
	"sql.dsn":                stringField(func(c *Config) *string { return &c.SQL.DSN }),
	"archive.s3.bucket":      stringField(func(c *Config) *string { return &c.Archive.S3.Bucket }),
	"archive.s3.prefix":      stringField(func(c *Config) *string { return &c.Archive.S3.Prefix }),
	"archive.s3.region":      stringField(func(c *Config) *string { return &c.Archive.S3.Region }),
	"otel.endpoint":          stringField(func(c *Config) *string { return &c.OTEL.Endpoint }),
	"daemon.metrics_addr":    stringField(func(c *Config) *string { return &c.Daemon.MetricsAddr }),
	"log.level":              stringField(func(c *Config) *string { return &c.Log.Level }),
	"server.port": {
		get: func(c *Config) string {
			if c.Server.Port == 0 {
				return ""
			}
			return strconv.Itoa(c.Server.Port)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 || n > 65535 {
				return fmt.Errorf("invalid port %q", v)
			}
			c.Server.Port = n
			return nil
		},
	},
	"server.log_headers": {
		get: func(c *Config) string { return strconv.FormatBool(c.Server.LogHeaders) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid bool %q", v)
			}
			c.Server.LogHeaders = b
			return nil
		},
	},
	"daemon.interval": {
		get: func(c *Config) string { return c.Daemon.IntervalStr },
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid interval %q: %w", v, err)
			}
			c.Daemon.IntervalStr = v
			c.Daemon.Interval = d
			return nil
		},
	},
}

// Get returns the value stored under a dotted key.
func (c *Config) Get(key string) (string, error) {
	f, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("unknown config key %q", key)
	}
	return f.get(c), nil
}

// Set updates the value under a dotted key in memory. Call Save to persist
// it.
func (c *Config) Set(key, value string) error {
	f, ok := fields[key]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	return f.set(c, value)
}

// Keys returns every settable key, sorted.
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
