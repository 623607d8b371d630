//
//  Copyright © Manetu Inc. All rights reserved.
//

package config_test

import (
	"os"
	"testing"

	"github.com/manetu/flowpilot/pkg/core/config"
	"github.com/stretchr/testify/assert"
)

func TestInitConfig(t *testing.T) {
	os.Setenv(config.ConfigPathEnv, "../../..")
	config.ResetConfig()
	assert.NotNil(t, config.VConfig)
}

func TestConfigDefaults(t *testing.T) {
	os.Setenv(config.ConfigPathEnv, "../../..")
	config.ResetConfig()

	// Check some default values
	assert.Equal(t, "remote", config.VConfig.GetString(config.RulesBackend))
	assert.Equal(t, 5, config.VConfig.GetInt(config.DelegationMaxDepth))
	assert.Equal(t, 300, config.VConfig.GetInt(config.CacheTTLPersona))
	assert.Equal(t, 180, config.VConfig.GetInt(config.CacheTTLDelegation))
	assert.Equal(t, 60, config.VConfig.GetInt(config.CacheTTLAuthz))
	assert.Equal(t, 365, config.VConfig.GetInt(config.PersonaExpiryDays))
}

func TestConfigEnvOverride(t *testing.T) {
	os.Setenv(config.ConfigPathEnv, "../../..")
	os.Setenv("FLOWPILOT_RULES_URL", "http://opa.test:8181")
	defer os.Unsetenv("FLOWPILOT_RULES_URL")

	config.ResetConfig()
	assert.Equal(t, "http://opa.test:8181", config.VConfig.GetString(config.RulesURL))
}

func TestConfigWithCustomFilename(t *testing.T) {
	os.Setenv(config.ConfigPathEnv, "../../..")
	os.Setenv(config.ConfigFileNameEnv, "flowpilot-config")
	defer os.Unsetenv(config.ConfigFileNameEnv)

	config.ResetConfig()
}
