// Package config handles loading and validating the application
// configuration from a pds.json file.
//
// The configuration file is expected to be a JSON object with database
// connection details, HTTP listen address, the hosted account's
// identity, and OAuth issuer settings. This server hosts exactly one
// account's repository per process.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Config holds all application configuration loaded from pds.json.
// The file is read once at startup; changes require a restart.
type Config struct {
	// DBConn is the PostgreSQL host:port (e.g., "localhost:5432").
	DBConn string `json:"dbConn"`

	// DBName is the PostgreSQL database name.
	DBName string `json:"dbName"`

	// DBUser is the PostgreSQL username.
	DBUser string `json:"dbUser"`

	// DBPass is the PostgreSQL password.
	DBPass string `json:"dbPass"`

	// ListenAddr is the HTTP listen address (default ":3000").
	ListenAddr string `json:"listenAddr"`

	// ServiceURL is this PDS's externally reachable origin, e.g.
	// "https://pds.example.com". Used to derive the service did:web,
	// the OAuth issuer, and relay-announce hostnames.
	ServiceURL string `json:"serviceUrl"`

	// Handle is the single hosted account's AT Protocol handle.
	Handle string `json:"handle"`

	// AdminKey is a shared secret for authenticating operational tooling
	// (the CLI surface: init/migrate/activate/status). Sent as
	// "Authorization: Bearer <adminKey>".
	AdminKey string `json:"adminKey"`

	// PLCEndpoint is the PLC directory URL (e.g., "https://plc.directory").
	// When set, the account gets a proper did:plc derived from its
	// signing key. When empty, the DID is a local-only did:plc-shaped
	// random identifier and is never registered.
	PLCEndpoint string `json:"plcEndpoint,omitempty"`

	// RelayURL is the relay to announce this PDS to via requestCrawl.
	RelayURL string `json:"relayUrl,omitempty"`

	// OAuthIssuer is the OAuth 2.1 authorization server's issuer
	// identifier. Defaults to ServiceURL when empty.
	OAuthIssuer string `json:"oauthIssuer,omitempty"`

	// JWTSecret is the HMAC secret for the legacy session JWTs used by
	// com.atproto.server.createSession/refreshSession. It must be set in
	// pds.json; Load rejects a config without it.
	JWTSecret string `json:"jwtSecret"`
}

// Load reads and parses configuration from the given file path.
// It returns an error if the file cannot be read, parsed, or is missing
// required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":3000"
	}
	if cfg.OAuthIssuer == "" {
		cfg.OAuthIssuer = strings.TrimSuffix(cfg.ServiceURL, "/")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate checks that all required fields are present.
func (c *Config) validate() error {
	switch {
	case c.DBConn == "":
		return fmt.Errorf("config: dbConn is required")
	case c.DBName == "":
		return fmt.Errorf("config: dbName is required")
	case c.DBUser == "":
		return fmt.Errorf("config: dbUser is required")
	case c.DBPass == "":
		return fmt.Errorf("config: dbPass is required")
	case c.ServiceURL == "":
		return fmt.Errorf("config: serviceUrl is required")
	case c.Handle == "":
		return fmt.Errorf("config: handle is required")
	case c.AdminKey == "":
		return fmt.Errorf("config: adminKey is required")
	case c.JWTSecret == "":
		return fmt.Errorf("config: jwtSecret is required")
	}
	return nil
}

// ConnString builds a PostgreSQL connection URI from the config fields.
// The password is URL-encoded to handle special characters safely.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPass),
		c.DBConn,
		url.QueryEscape(c.DBName),
	)
}

// ServiceDID derives the did:web identifier for this PDS instance from
// ServiceURL.
func (c *Config) ServiceDID() string {
	host := strings.TrimPrefix(c.ServiceURL, "https://")
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimSuffix(host, "/")
	return "did:web:" + host
}
