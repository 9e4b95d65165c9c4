package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

var ErrInvalidConfig = errors.New("invalid configuration")

func invalid(format string, args ...interface{}) error {
	return errors.Wrap(ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks the settings the server cannot start without.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return invalid("server.port %d out of range", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return invalid("server timeouts must be positive")
	}
	if _, err := url.ParseRequestURI(c.Server.BaseURL); err != nil {
		return invalid("server.base_url %q is not a URL", c.Server.BaseURL)
	}
	if c.Mongo.URI == "" && c.Mongo.Host == "" {
		return invalid("mongo.uri or mongo.host is required")
	}
	if c.Mongo.Database == "" {
		return invalid("mongo.database is required")
	}
	if !c.Realtime.InMemory && c.Realtime.Path == "" {
		return invalid("realtime.path is required unless realtime.in_memory is set")
	}
	if c.GitHub.ClientID == "" || c.GitHub.ClientSecret == "" {
		return invalid("github.client_id and github.client_secret are required")
	}
	if c.GitHub.CacheTTL <= 0 || c.GitHub.Timeout <= 0 {
		return invalid("github durations must be positive")
	}
	if c.GitHub.RequestsPerS <= 0 || c.GitHub.Burst < 1 {
		return invalid("github rate limit must be positive")
	}
	if len(c.Session.Secret) < 32 {
		return invalid("session.secret must be at least 32 characters")
	}
	if c.Session.MaxAge <= 0 {
		return invalid("session.max_age must be positive")
	}
	if c.Security.RateLimit < 1 {
		return invalid("security.rate_limit must be positive")
	}
	b := c.Billing
	if b.FreeDaily < 1 || b.DeveloperDaily < b.FreeDaily || b.BusinessDaily < b.DeveloperDaily {
		return invalid("billing limits must be positive and increase by tier")
	}
	if b.MaxKeys < 1 {
		return invalid("billing.max_keys must be positive")
	}
	if c.Cloudinary.Enabled() && !strings.HasPrefix(c.Cloudinary.URL, "cloudinary://") {
		return invalid("cloudinary.url must start with cloudinary://")
	}
	return nil
}

// ConnectionURI assembles the connection string unless one was configured verbatim.
// mongodb+srv://<user>:<password>@<host>/<database>?retryWrites=true&w=majority
func (m MongoConfig) ConnectionURI() string {
	if m.URI != "" {
		return m.URI
	}
	scheme := m.Scheme
	if scheme == "" {
		scheme = "mongodb"
	}
	address := scheme + "://"
	if m.User != "" {
		address += url.UserPassword(m.User, m.Password).String() + "@"
	}
	address += m.Host + "/" + m.Database
	if m.Options != "" {
		address += "?" + m.Options
	}
	return address
}
