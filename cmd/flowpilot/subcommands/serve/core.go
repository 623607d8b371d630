//
//  Copyright © Manetu Inc. All rights reserved.
//

package serve

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/manetu/flowpilot/internal/logging"
	"github.com/manetu/flowpilot/pkg/agent"
	"github.com/manetu/flowpilot/pkg/auth"
	"github.com/manetu/flowpilot/pkg/authz"
	"github.com/manetu/flowpilot/pkg/cache"
	"github.com/manetu/flowpilot/pkg/core/config"
	"github.com/manetu/flowpilot/pkg/delegation"
	delegationpostgres "github.com/manetu/flowpilot/pkg/delegation/postgres"
	delegationsqlite "github.com/manetu/flowpilot/pkg/delegation/sqlite"
	"github.com/manetu/flowpilot/pkg/manifest"
	"github.com/manetu/flowpilot/pkg/persona"
	personadocument "github.com/manetu/flowpilot/pkg/persona/document"
	personasqlite "github.com/manetu/flowpilot/pkg/persona/sqlite"
	"github.com/manetu/flowpilot/pkg/ruleengine"
	"github.com/manetu/flowpilot/pkg/ruleengine/embedded"
	"github.com/manetu/flowpilot/pkg/ruleengine/remote"
	"github.com/manetu/flowpilot/pkg/server"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
)

var logger = logging.GetLogger("flowpilot")

const agentName string = "serve"

// Default listen ports, matching the service URL defaults in config.
var defaultPorts = map[string]int{
	"authz":      8080,
	"delegation": 8081,
	"persona":    8082,
	"agent":      8083,
}

func httpClient() *http.Client {
	timeout := config.VConfig.GetInt(config.RequestTimeout)
	if timeout <= 0 {
		timeout = 10
	}
	return &http.Client{Timeout: time.Duration(timeout) * time.Second}
}

func serviceTokens() *auth.ServiceTokens {
	return auth.NewServiceTokens(
		config.VConfig.GetString(config.TokenURL),
		config.VConfig.GetString(config.TokenClientID),
		config.VConfig.GetString(config.TokenClientSecret),
		httpClient())
}

func newCache() (*cache.Cache, error) {
	if !config.VConfig.GetBool(config.CacheEnabled) {
		return nil, nil
	}

	ttls := cache.TTLs{
		Persona:    config.VConfig.GetInt(config.CacheTTLPersona),
		Delegation: config.VConfig.GetInt(config.CacheTTLDelegation),
		Authz:      config.VConfig.GetInt(config.CacheTTLAuthz),
		Default:    config.VConfig.GetInt(config.CacheTTLDefault),
	}

	if url := config.VConfig.GetString(config.CacheRedisURL); url != "" {
		backend, err := cache.NewRedisBackend(url)
		if err != nil {
			return nil, err
		}
		return cache.New(backend, ttls), nil
	}
	return cache.New(cache.NewMemoryBackend(), ttls), nil
}

func serverOptions() (server.Options, error) {
	opts := server.OptionsFromConfig()

	if pub := config.VConfig.GetString(config.TokenPublicKey); pub != "" {
		verifier, err := auth.NewVerifier(pub,
			config.VConfig.GetString(config.TokenIssuer),
			config.VConfig.GetString(config.TokenAudience))
		if err != nil {
			return opts, err
		}
		opts.Verifier = verifier
	} else {
		logger.SysWarnf("token.publickey is not configured; serving without bearer authentication")
	}

	return opts, nil
}

func newRegistry() (*manifest.Registry, error) {
	registry, err := manifest.NewRegistry(config.VConfig.GetString(config.ManifestDir))
	if err != nil {
		return nil, errors.Wrap(err, "error loading policy manifests")
	}
	return registry, nil
}

func newDelegationService() (*delegation.Service, error) {
	var store delegation.Store
	var err error

	driver := config.VConfig.GetString(config.DelegationDBDriver)
	switch driver {
	case "postgres":
		store, err = delegationpostgres.NewStore(delegationpostgres.Config{
			Host:       config.VConfig.GetString(config.DBHost),
			Port:       config.VConfig.GetInt(config.DBPort),
			UnixSocket: config.VConfig.GetString(config.DBUnixSocket),
			Name:       config.VConfig.GetString(config.DBName),
			User:       config.VConfig.GetString(config.DBUser),
			Password:   config.VConfig.GetString(config.DBPassword),
		})
	case "sqlite":
		store, err = delegationsqlite.NewStore(config.VConfig.GetString(config.DelegationDBPath))
	default:
		err = fmt.Errorf("unsupported delegation db driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}

	var actions []string
	for _, a := range strings.Split(config.VConfig.GetString(config.DelegationActions), ",") {
		if a = strings.TrimSpace(a); a != "" {
			actions = append(actions, a)
		}
	}

	return delegation.NewService(store, actions, config.VConfig.GetInt(config.DelegationMaxDepth)), nil
}

func newPersonaService(registry *manifest.Registry) (*persona.Service, error) {
	var store persona.Store
	var err error

	// persona.db.path doubles as the redis URL for the document driver
	driver := config.VConfig.GetString(config.PersonaDBDriver)
	switch driver {
	case "document":
		store, err = personadocument.NewStore(config.VConfig.GetString(config.PersonaDBPath))
	case "sqlite":
		store, err = personasqlite.NewStore(config.VConfig.GetString(config.PersonaDBPath))
	default:
		err = fmt.Errorf("unsupported persona db driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}

	domain := config.VConfig.GetString(config.PersonaDomain)
	if domain == "" {
		if names := registry.ListNames(); len(names) == 1 {
			domain = names[0]
		}
	}

	return persona.NewService(store, registry, domain,
		config.VConfig.GetInt(config.PersonaMax),
		config.VConfig.GetInt(config.PersonaExpiryDays)), nil
}

func newRuleEngine() (ruleengine.Evaluator, error) {
	backend := config.VConfig.GetString(config.RulesBackend)
	switch backend {
	case "remote":
		return remote.New(config.VConfig.GetString(config.RulesURL), httpClient()), nil
	case "embedded":
		// Rego modules live alongside the manifests they implement
		return embedded.New(config.VConfig.GetString(config.ManifestDir))
	default:
		return nil, fmt.Errorf("unsupported rules backend: %s", backend)
	}
}

func newEngine(registry *manifest.Registry, responseCache *cache.Cache) (*authz.Engine, error) {
	client := httpClient()
	tokens := serviceTokens()

	personas := authz.NewHTTPPersonaSource(
		config.VConfig.GetString(config.PersonaURL), client, tokens, responseCache)
	delegations := authz.NewHTTPDelegationSource(
		config.VConfig.GetString(config.DelegationURL), client, tokens, responseCache)

	rules, err := newRuleEngine()
	if err != nil {
		return nil, err
	}

	return authz.NewEngine(registry, personas, delegations, rules), nil
}

func newExchange() (*server.ExchangeConfig, error) {
	signingKey := config.VConfig.GetString(config.TokenSigningKey)
	idpPublicKey := config.VConfig.GetString(config.TokenIdpPublicKey)
	if signingKey == "" || idpPublicKey == "" {
		return nil, nil
	}

	verifier, err := auth.NewVerifier(idpPublicKey,
		config.VConfig.GetString(config.TokenIdpIssuer),
		config.VConfig.GetString(config.TokenIdpAudience))
	if err != nil {
		return nil, err
	}

	exchanger, err := auth.NewExchanger(signingKey,
		config.VConfig.GetString(config.TokenIssuer),
		config.VConfig.GetString(config.TokenAudience),
		config.VConfig.GetInt(config.TokenExpiry))
	if err != nil {
		return nil, err
	}

	return &server.ExchangeConfig{Verifier: verifier, Exchanger: exchanger}, nil
}

// applyConfigFlag maps --config to the viper path/name environment
// variables before the configuration is loaded. A .yaml/.yml path selects
// that file; anything else is treated as a directory.
func applyConfigFlag(path string) {
	if path == "" {
		return
	}
	ext := filepath.Ext(path)
	if ext == ".yaml" || ext == ".yml" {
		_ = os.Setenv(config.ConfigPathEnv, filepath.Dir(path))
		_ = os.Setenv(config.ConfigFileNameEnv, strings.TrimSuffix(filepath.Base(path), ext))
		return
	}
	_ = os.Setenv(config.ConfigPathEnv, path)
}

// Execute runs the serve command, starting the named FlowPilot service and
// shutting it down gracefully on interrupt. With --reload, SIGHUP re-reads
// the policy manifest directory without a restart.
func Execute(ctx context.Context, cmd *cli.Command) error {
	service := cmd.Args().First()
	if _, ok := defaultPorts[service]; !ok {
		return fmt.Errorf("unknown service %q: expected one of authz, delegation, persona, agent", service)
	}

	applyConfigFlag(cmd.String("config"))
	if err := config.Load(); err != nil {
		return errors.Wrap(err, "error loading config")
	}

	host := cmd.String("host")
	port := cmd.Int("port")
	if port == 0 {
		port = defaultPorts[service]
	}

	opts, err := serverOptions()
	if err != nil {
		return err
	}

	responseCache, err := newCache()
	if err != nil {
		return err
	}

	var registry *manifest.Registry
	var srv server.Server

	switch service {
	case "delegation":
		svc, err := newDelegationService()
		if err != nil {
			return err
		}
		srv = server.CreateDelegationServer(svc, responseCache, opts, host, port)

	case "persona":
		if registry, err = newRegistry(); err != nil {
			return err
		}
		svc, err := newPersonaService(registry)
		if err != nil {
			return err
		}
		srv = server.CreatePersonaServer(svc, responseCache, opts, host, port)

	case "authz":
		if registry, err = newRegistry(); err != nil {
			return err
		}
		engine, err := newEngine(registry, responseCache)
		if err != nil {
			return err
		}
		exchange, err := newExchange()
		if err != nil {
			return err
		}
		srv = server.CreateAuthzServer(engine, exchange, opts, host, port)

	case "agent":
		client := httpClient()
		tokens := serviceTokens()
		decisions := authz.NewClient(config.VConfig.GetString(config.AuthzURL), client, tokens)
		domain := agent.NewClient(config.VConfig.GetString(config.WorkflowURL), client, tokens).WithCache(responseCache)
		srv = server.CreateAgentServer(agent.NewRunner(decisions, domain), opts, host, port)
	}

	if cmd.Bool("reload") && registry != nil {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		go func() {
			for range hup {
				if err := registry.Reload(); err != nil {
					logger.Errorf(agentName, "reload", "manifest reload failed: %+v", err)
				}
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info(agentName, "shutdown", "Shutting down server...")

	if err := srv.Stop(ctx); err != nil {
		return err
	}

	logger.Info(agentName, "shutdown", "Server exited gracefully.")
	return nil
}
