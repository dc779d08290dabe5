package main

import (
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/nerrad567/onionwarden/internal/infrastructure/config"
)

// configEnv names the config file when --config is not given.
const configEnv = "ONIONWARDEN_CONFIG"

// skipConfigAnnotation marks commands that run without a valid config.
const skipConfigAnnotation = "skipConfigLoad"

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

// configPath returns --config, then $ONIONWARDEN_CONFIG, then "" (defaults
// plus environment only).
func (c *commandContext) configPath() string {
	if c.configFlag != nil {
		if path := strings.TrimSpace(*c.configFlag); path != "" {
			return path
		}
	}
	return strings.TrimSpace(os.Getenv(configEnv))
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.Load(c.configPath())
	})
	return c.config, c.configErr
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for cur := cmd; cur != nil; cur = cur.Parent() {
		if cur.Annotations[skipConfigAnnotation] == "true" {
			return true
		}
	}
	return false
}
