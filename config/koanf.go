package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

const envPrefix = "CODENEARBY_"

// Load layers defaults, the optional config file and the environment
// (highest priority), then validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load defaults")
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "failed to load config file %s", path)
		}
	}

	// prefixed variables load last so they win over the unprefixed names
	if err := k.Load(env.Provider("", ".", legacyTransformFunc), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load legacy environment variables")
	}
	if err := k.Load(env.Provider(envPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load environment variables")
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// sections whose names contain an underscore are listed so that the split
// between section and key lands in the right place
var sections = []string{
	"server", "mongo", "realtime", "github", "session",
	"security", "billing", "cloudinary", "logging",
}

// unprefixed names set by hosting platforms and older deployments
var legacyEnv = map[string]string{
	"mongodb_uri":          "mongo.uri",
	"mongo_conn_scheme":    "mongo.scheme",
	"mongo_host":           "mongo.host",
	"mongo_user":           "mongo.user",
	"mongo_pwd":            "mongo.password",
	"mongo_db":             "mongo.database",
	"mongo_opts":           "mongo.options",
	"github_client_id":     "github.client_id",
	"github_client_secret": "github.client_secret",
	"cloudinary_url":       "cloudinary.url",
}

// legacyTransformFunc maps MONGODB_URI to mongo.uri. Anything else maps to
// "" and is ignored.
func legacyTransformFunc(key string) string {
	return legacyEnv[strings.ToLower(key)]
}

// envTransformFunc maps CODENEARBY_GITHUB_CLIENT_ID to github.client_id.
// Unrelated variables map to "" and are ignored.
func envTransformFunc(key string) string {
	if !strings.HasPrefix(key, envPrefix) {
		return ""
	}
	rest := strings.ToLower(strings.TrimPrefix(key, envPrefix))
	for _, s := range sections {
		if strings.HasPrefix(rest, s+"_") {
			return s + "." + strings.TrimPrefix(rest, s+"_")
		}
	}
	return ""
}

var sliceConfigPaths = []string{
	"security.cors_origins",
	"security.admin_logins",
}

// processSliceFields splits comma separated env values into slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := make([]string, 0)
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return errors.Wrapf(err, "failed to set %s", path)
		}
	}
	return nil
}
