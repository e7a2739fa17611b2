package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dmitrijs2005/siteauth/internal/flagx"
	"github.com/dmitrijs2005/siteauth/internal/timex"
)

// JsonConfig is the on-disk shape of the JSON config file. Durations accept
// "15m" as well as integer nanoseconds. Absent keys leave the target field
// untouched.
type JsonConfig struct {
	EndpointAddrHTTP            *string         `json:"endpoint_addr_http"`
	Env                         *string         `json:"env"`
	LogLevel                    *string         `json:"log_level"`
	DatabaseDriver              *string         `json:"database_driver"`
	DatabaseDSN                 *string         `json:"database_dsn"`
	ConnectTimeout              *timex.Duration `json:"connect_timeout"`
	SocketTimeout               *timex.Duration `json:"socket_timeout"`
	MigrateOnConnect            *bool           `json:"migrate_on_connect"`
	SecretKey                   *string         `json:"secret_key"`
	AccessTokenValidityDuration *timex.Duration `json:"access_token_validity_duration"`
	CookieName                  *string         `json:"cookie_name"`
	RedisURL                    *string         `json:"redis_url"`
	S3AccessKey                 *string         `json:"s3_access_key"`
	S3SecretKey                 *string         `json:"s3_secret_key"`
	S3Bucket                    *string         `json:"s3_bucket"`
	S3Region                    *string         `json:"s3_region"`
	S3BaseEndpoint              *string         `json:"s3_base_endpoint"`
	SeedAdminEmail              *string         `json:"seed_admin_email"`
	SeedAdminPassword           *string         `json:"seed_admin_password"`
}

// parseJson loads the file named by -c/-config in args, if any, into config.
func parseJson(config *Config, args []string) error {
	path := flagx.ConfigFilePath(args)
	if path == "" {
		return nil
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.Env, c.Env)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.DatabaseDriver, c.DatabaseDriver)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	if c.ConnectTimeout != nil {
		config.ConnectTimeout = c.ConnectTimeout.Duration
	}
	if c.SocketTimeout != nil {
		config.SocketTimeout = c.SocketTimeout.Duration
	}
	if c.MigrateOnConnect != nil {
		config.MigrateOnConnect = *c.MigrateOnConnect
	}
	setString(&config.SecretKey, c.SecretKey)
	if c.AccessTokenValidityDuration != nil {
		config.AccessTokenValidityDuration = c.AccessTokenValidityDuration.Duration
	}
	setString(&config.CookieName, c.CookieName)
	setString(&config.RedisURL, c.RedisURL)
	setString(&config.S3AccessKey, c.S3AccessKey)
	setString(&config.S3SecretKey, c.S3SecretKey)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.SeedAdminEmail, c.SeedAdminEmail)
	setString(&config.SeedAdminPassword, c.SeedAdminPassword)

	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
