//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package config provides configuration management for the FlowPilot
// services using [Viper] for flexible configuration sources.
//
// Configuration can be provided via:
//   - YAML configuration files
//   - Environment variables with the FLOWPILOT_ prefix
//   - Programmatic defaults
//
// # Configuration File
//
// By default, the services look for flowpilot-config.yaml in the current
// directory. Override the location using environment variables:
//
//	FLOWPILOT_CONFIG_PATH=/etc/flowpilot
//	FLOWPILOT_CONFIG_FILENAME=production-config
//
// Example configuration file:
//
//	log:
//	  level: ".:info"
//	rules:
//	  url: http://opa:8181
//	manifest:
//	  dir: /etc/flowpilot/policies
//	delegation:
//	  db:
//	    driver: postgres
//	cache:
//	  enabled: true
//	  redis:
//	    url: redis://cache:6379/0
//
// # Environment Variables
//
// All configuration keys can be set via environment variables with the
// FLOWPILOT_ prefix. Dots in key names become underscores:
//
//	FLOWPILOT_LOG_LEVEL=.:debug
//	FLOWPILOT_RULES_URL=http://localhost:8181
//	FLOWPILOT_CACHE_TTL_PERSONA=300
//
// [Viper]: https://github.com/spf13/viper
package config

import (
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/manetu/flowpilot/internal/logging"
	"github.com/spf13/viper"
)

// Environment variable and default path constants for configuration loading.
const (
	// EnvVarPrefix is the prefix for all FlowPilot environment variables.
	// For example, the key "log.level" becomes FLOWPILOT_LOG_LEVEL.
	EnvVarPrefix string = "FLOWPILOT"

	// ConfigPathEnv is the environment variable that specifies the directory
	// containing the configuration file.
	ConfigPathEnv string = "FLOWPILOT_CONFIG_PATH"

	// ConfigFileNameEnv is the environment variable that specifies the
	// configuration file name (without extension).
	ConfigFileNameEnv string = "FLOWPILOT_CONFIG_FILENAME"

	// ConfigDefaultPath is the default directory to search for config files.
	ConfigDefaultPath string = "."

	// ConfigDefaultFilename is the default configuration file name (without extension).
	ConfigDefaultFilename string = "flowpilot-config"
)

// Configuration key constants for use with [VConfig].
const (
	logLevel string = "log.level"

	// RulesURL is the base URL of the rule engine server, e.g.
	// "http://localhost:8181". Used when RulesBackend is "remote".
	RulesURL string = "rules.url"

	// RulesBackend selects the rule engine implementation: "remote" for an
	// external OPA server reached over HTTP, or "embedded" for in-process
	// rego evaluation.
	RulesBackend string = "rules.backend"

	// ManifestDir is the directory containing policy manifest
	// subdirectories, each holding a manifest.yaml.
	ManifestDir string = "manifest.dir"

	// DelegationDBDriver selects the delegation store: "postgres" or "sqlite".
	DelegationDBDriver string = "delegation.db.driver"

	// DelegationDBPath is the sqlite database path for the delegation store.
	DelegationDBPath string = "delegation.db.path"

	// DelegationActions is the comma-separated set of actions that may be
	// delegated. Scopes outside this set are rejected on create.
	DelegationActions string = "delegation.actions"

	// DelegationMaxDepth caps the delegation chain length considered during
	// path search.
	DelegationMaxDepth string = "delegation.maxdepth"

	// DelegationURL is the base URL of the delegation service, used by the
	// authorization engine's delegation source.
	DelegationURL string = "delegation.url"

	// Postgres connection settings for the delegation store.
	DBHost       string = "db.host"
	DBPort       string = "db.port"
	DBUnixSocket string = "db.unixsocket"
	DBName       string = "db.name"
	DBUser       string = "db.user"
	DBPassword   string = "db.password"

	// PersonaDBDriver selects the persona store: "sqlite" or "document".
	PersonaDBDriver string = "persona.db.driver"

	// PersonaDBPath is the sqlite database path for the persona store.
	PersonaDBPath string = "persona.db.path"

	// PersonaDomain is the default policy manifest governing personas
	// created without an explicit domain. When unset and exactly one
	// manifest is loaded, that manifest is used.
	PersonaDomain string = "persona.domain"

	// PersonaMax caps the number of personas a single user may hold.
	PersonaMax string = "persona.max"

	// PersonaExpiryDays is the default persona validity window in days.
	PersonaExpiryDays string = "persona.expiry.days"

	// PersonaURL is the base URL of the persona service, used by the
	// authorization engine's persona source.
	PersonaURL string = "persona.url"

	// AuthzURL is the base URL of the authorization service, used by the
	// agent runner for pre-flight evaluation.
	AuthzURL string = "authz.url"

	// WorkflowURL is the base URL of the domain workflow service the agent
	// runner executes against.
	WorkflowURL string = "workflow.url"

	// RequestTimeout is the outbound HTTP request timeout in seconds.
	RequestTimeout string = "request.timeout"

	// CorsOrigins is the comma-separated list of allowed CORS origins.
	CorsOrigins string = "cors.origins"

	// HTTPMaxBody is the maximum accepted request body size in bytes.
	HTTPMaxBody string = "http.maxbody"

	// HTTPMaxString is the maximum accepted length of any inbound string value.
	HTTPMaxString string = "http.maxstring"

	// Token settings for verification, minting, and service tokens.
	TokenIssuer       string = "token.issuer"
	TokenAudience     string = "token.audience"
	TokenExpiry       string = "token.expiry"
	TokenSigningKey   string = "token.signingkey"
	TokenPublicKey    string = "token.publickey"
	TokenURL          string = "token.url"
	TokenClientID     string = "token.clientid"
	TokenClientSecret string = "token.clientsecret"

	// Identity-provider token settings for the exchange endpoint. The
	// exchange is disabled unless both token.signingkey and
	// token.idp.publickey are configured.
	TokenIdpPublicKey string = "token.idp.publickey"
	TokenIdpIssuer    string = "token.idp.issuer"
	TokenIdpAudience  string = "token.idp.audience"

	// Cache settings.
	CacheEnabled       string = "cache.enabled"
	CacheRedisURL      string = "cache.redis.url"
	CacheTTLPersona    string = "cache.ttl.persona"
	CacheTTLDelegation string = "cache.ttl.delegation"
	CacheTTLAuthz      string = "cache.ttl.authz"
	CacheTTLDefault    string = "cache.ttl.default"

	// IncludeErrorDetails controls whether internal error text is surfaced
	// in HTTP error bodies. Disable in production.
	IncludeErrorDetails string = "include.error.details"

	// AuditEnv defines a mapping from audit metadata keys to environment
	// variable names. The values of the specified environment variables are
	// included in every decision audit record.
	//
	// Example config:
	//
	//	audit:
	//	  env:
	//	    pod: HOSTNAME
	//	    region: AWS_REGION
	AuditEnv string = "audit.env"

	// AuditK8sPodinfo is the directory holding Kubernetes Downward API
	// files (labels, annotations) to fold into audit metadata.
	AuditK8sPodinfo string = "audit.k8s.podinfo"
)

var (
	once     sync.Once
	loadOnce sync.Once
	loadErr  error

	// VConfig is the global Viper configuration instance for FlowPilot.
	//
	// VConfig provides access to all configuration values. Use the
	// configuration key constants ([RulesURL], [ManifestDir], etc.) to access
	// specific settings:
	//
	//	if config.VConfig.GetBool(config.CacheEnabled) {
	//	    // Caching active
	//	}
	//
	// VConfig is initialized automatically when [Load] or [Init] is called.
	VConfig *viper.Viper
	logger  = logging.GetLogger("flowpilot.config")
)

// Init initializes the configuration system without loading config files.
//
// Init sets up Viper with:
//   - Configuration file paths and names
//   - Environment variable handling (FLOWPILOT_ prefix)
//   - Default values for all configuration keys
//
// This function is safe to call multiple times; subsequent calls are no-ops.
// Most applications don't need to call Init directly; it's called
// automatically by [Load].
//
// Call Init explicitly only if you need to set Viper defaults before [Load]
// reads the configuration file.
func Init() {
	once.Do(func() {
		doInitialize()
	})
}

func getConfigPath() string {
	configPath, ok := os.LookupEnv(ConfigPathEnv)
	if ok {
		return configPath
	}

	return ConfigDefaultPath
}

func getConfigFileName() string {
	configName, ok := os.LookupEnv(ConfigFileNameEnv)
	if ok {
		return configName
	}

	return ConfigDefaultFilename
}

func doInitialize() {
	VConfig = viper.New()

	// set up config-file loading:  default is './flowpilot-config.yaml' but can be overridden with $(FLOWPILOT_CONFIG_PATH)/$(FLOWPILOT_CONFIG_FILENAME).yaml
	VConfig.AddConfigPath(getConfigPath())
	VConfig.SetConfigName(getConfigFileName())
	VConfig.SetConfigType("yaml")

	// set up envvar handling:  keys such as 'log.level' become 'FLOWPILOT_LOG_LEVEL'
	VConfig.SetEnvPrefix(EnvVarPrefix)
	VConfig.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	VConfig.AutomaticEnv()

	// set up VConfig defaults
	VConfig.SetDefault(logLevel, ".:info")

	VConfig.SetDefault(RulesURL, "http://localhost:8181")
	VConfig.SetDefault(RulesBackend, "remote")
	VConfig.SetDefault(ManifestDir, "policies")

	VConfig.SetDefault(DelegationDBDriver, "sqlite")
	VConfig.SetDefault(DelegationDBPath, "delegations.db")
	VConfig.SetDefault(DelegationActions, "read,execute,book,cancel")
	VConfig.SetDefault(DelegationMaxDepth, 5)
	VConfig.SetDefault(DelegationURL, "http://localhost:8081")

	VConfig.SetDefault(DBHost, "localhost")
	VConfig.SetDefault(DBPort, 5432)
	VConfig.SetDefault(DBName, "flowpilot")
	VConfig.SetDefault(DBUser, "flowpilot")

	VConfig.SetDefault(PersonaDomain, "")
	VConfig.SetDefault(PersonaDBDriver, "sqlite")
	VConfig.SetDefault(PersonaDBPath, "personas.db")
	VConfig.SetDefault(PersonaMax, 10)
	VConfig.SetDefault(PersonaExpiryDays, 365)
	VConfig.SetDefault(PersonaURL, "http://localhost:8082")

	VConfig.SetDefault(AuthzURL, "http://localhost:8080")
	VConfig.SetDefault(WorkflowURL, "http://localhost:8084")

	VConfig.SetDefault(RequestTimeout, 10)
	VConfig.SetDefault(CorsOrigins, "")
	VConfig.SetDefault(HTTPMaxBody, 1048576)
	VConfig.SetDefault(HTTPMaxString, 255)

	VConfig.SetDefault(TokenIssuer, "https://flowpilot-authz-api")
	VConfig.SetDefault(TokenAudience, "flowpilot")
	VConfig.SetDefault(TokenExpiry, 900)

	VConfig.SetDefault(CacheEnabled, false)
	VConfig.SetDefault(CacheTTLPersona, 300)
	VConfig.SetDefault(CacheTTLDelegation, 180)
	VConfig.SetDefault(CacheTTLAuthz, 60)
	VConfig.SetDefault(CacheTTLDefault, 300)

	VConfig.SetDefault(IncludeErrorDetails, true)
	VConfig.SetDefault(AuditK8sPodinfo, "/etc/podinfo")
}

// Load initializes configuration and loads settings from files and environment.
//
// Load performs the following steps:
//  1. Calls [Init] if not already called
//  2. Reads the configuration file (if present; missing files are not an error)
//  3. Applies environment variable overrides
//  4. Updates log levels based on configuration
//
// This function is safe to call concurrently from multiple goroutines.
// Subsequent calls after the first successful load are no-ops that return nil.
//
// Returns an error if log level configuration is invalid.
func Load() error {
	loadOnce.Do(func() {
		Init()

		// Early log level update from environment variable allows us to debug the config loading.
		earlyLoglevel := os.Getenv("FLOWPILOT_LOG_LEVEL")
		if earlyLoglevel != "" {
			if err := logging.UpdateLogLevels(earlyLoglevel); err != nil {
				logger.SysErrorf("Failed updating early log level %s: %+v", earlyLoglevel, err)
				loadErr = err
				return
			}
		}

		logger.SysDebugf("Loading configuration from %s/%s.yaml", getConfigPath(), getConfigFileName())
		err := VConfig.ReadInConfig()
		if err != nil {
			// Only log if it's an actual error, not just a missing config file
			var configNotFound viper.ConfigFileNotFoundError
			if !errors.As(err, &configNotFound) {
				logger.SysWarnf("error reading config; using defaults: %+v", err)
			}
			// fall through to continue loading
			logger.SysDebugf("No config file found at %s/%s.yaml", getConfigPath(), getConfigFileName())
		}

		// Update log levels based on final configuration
		loglevel := VConfig.GetString(logLevel)
		if err := logging.UpdateLogLevels(loglevel); err != nil {
			logger.SysErrorf("Failed updating log level %s: %+v", loglevel, err)
			loadErr = err
			return
		}

		if logger.IsDebugEnabled() {
			VConfig.DebugTo(logger.Out())
		}
	})

	return loadErr
}

// ResetConfig clears all configuration and reinitializes with defaults.
//
// WARNING: This function is intended for testing only. It resets the global
// configuration state, which can cause race conditions in concurrent code.
//
// After calling ResetConfig, the configuration system is reinitialized with
// default values. Any previously loaded configuration file or environment
// variable overrides are discarded.
func ResetConfig() {
	VConfig = nil
	once = sync.Once{}     // reset the sync.Once to allow re-initialization
	loadOnce = sync.Once{} // reset the loadOnce to allow re-loading
	loadErr = nil          // reset any previous load error
	resetK8sCache()
	Init()
	// ignore any reset errors
	_ = Load()
}

// GetAuditEnv returns resolved audit environment metadata for decision
// audit records.
//
// This function reads the audit.env configuration section and resolves each
// configured environment variable to its current value. The result is a map
// suitable for inclusion in decision audit records as metadata.
//
// Configuration format:
//
//	audit:
//	  env:
//	    pod: HOSTNAME
//	    region: AWS_REGION
//
// With HOSTNAME=pod-123 and AWS_REGION=us-east-1, this returns:
//
//	{"pod": "pod-123", "region": "us-east-1"}
//
// Environment variables that are not set will have empty string values in the
// result. Returns an empty map if no audit.env configuration is present.
func GetAuditEnv() map[string]string {
	result := make(map[string]string)

	envConfig := VConfig.GetStringMapString(AuditEnv)
	if envConfig == nil {
		return result
	}

	for key, envVarName := range envConfig {
		result[key] = os.Getenv(envVarName)
	}

	return result
}

// GetAuditMetadata merges audit.env values with Kubernetes Downward API
// labels and annotations (when present) into a single metadata map for
// decision audit records.
func GetAuditMetadata() map[string]string {
	result := GetAuditEnv()

	for key, value := range getK8sLabels() {
		result["k8s.label."+key] = value
	}
	for key, value := range getK8sAnnotations() {
		result["k8s.annotation."+key] = value
	}

	return result
}
