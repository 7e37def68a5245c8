package util

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const Name = "ferri"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host              string
		HttpPort          int      `yaml:"httpPort"`
		Domain            string   `yaml:"domain"`
		Database          string   `yaml:"database"`
		PrivateKey        string   `yaml:"privateKey"`
		LogLevel          string   `yaml:"logLevel"`
		RequireSignatures bool     `yaml:"requireSignatures"`
		PeerInboxes       []string `yaml:"peerInboxes"`
		AutoFollow        []string `yaml:"autoFollow"`
		Queue             QueueConf
		HTTP              HTTPConf `yaml:"http"`
		Retry             RetryConf
	}
}

type QueueConf struct {
	Capacity       int           `yaml:"capacity"`
	MessageTimeout time.Duration `yaml:"messageTimeout"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
}

type HTTPConf struct {
	Timeout time.Duration `yaml:"timeout"`
}

type RetryConf struct {
	BaseDelay    time.Duration `yaml:"baseDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	PollInterval time.Duration `yaml:"pollInterval"`
	Batch        int           `yaml:"batch"`
}

// ReadConf loads the configuration from path, or when path is empty from
// config.yaml in the working directory or the user config dir. A missing
// file falls back to the embedded defaults. A .env file in the working
// directory is loaded first; FERRI_* variables override file values.
func ReadConf(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("Could not load .env", "err", err)
	}

	c := &AppConfig{}
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}

	configPath := path
	if configPath == "" {
		configPath = ResolveFilePath(ConfigFileName)
	}

	buf, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(buf, c); err != nil {
			return nil, fmt.Errorf("in config file %s: %w", configPath, err)
		}
	case path != "":
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	default:
		log.Info("Config file not found, using embedded defaults", "path", configPath)
		writeDefaultConfig()
	}

	if err := applyEnv(c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func writeDefaultConfig() {
	configDir, err := ConfigDir()
	if err != nil {
		return
	}
	userConfigPath := filepath.Join(configDir, ConfigFileName)
	if err := os.WriteFile(userConfigPath, embeddedConfig, 0644); err != nil {
		log.Warn("Could not write default config", "path", userConfigPath, "err", err)
		return
	}
	log.Info("Created default config file", "path", userConfigPath)
}

func applyEnv(c *AppConfig) error {
	if v := os.Getenv("FERRI_HOST"); v != "" {
		c.Conf.Host = v
	}

	if v := os.Getenv("FERRI_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FERRI_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = port
	}

	if v := os.Getenv("FERRI_DOMAIN"); v != "" {
		c.Conf.Domain = v
	}

	if v := os.Getenv("FERRI_DATABASE"); v != "" {
		c.Conf.Database = v
	}

	if v := os.Getenv("FERRI_PRIVATEKEY"); v != "" {
		c.Conf.PrivateKey = v
	}

	if v := os.Getenv("FERRI_LOGLEVEL"); v != "" {
		c.Conf.LogLevel = v
	}

	if v := os.Getenv("FERRI_REQUIRE_SIGNATURES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FERRI_REQUIRE_SIGNATURES: %w", err)
		}
		c.Conf.RequireSignatures = b
	}

	if v := os.Getenv("FERRI_PEER_INBOXES"); v != "" {
		c.Conf.PeerInboxes = splitList(v)
	}

	if v := os.Getenv("FERRI_AUTO_FOLLOW"); v != "" {
		c.Conf.AutoFollow = splitList(v)
	}

	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects configurations the engine cannot run with.
func (c *AppConfig) Validate() error {
	switch {
	case c.Conf.Domain == "":
		return errors.New("config: domain must be set")
	case c.Conf.Queue.Capacity <= 0:
		return errors.New("config: queue.capacity must be positive")
	case c.Conf.Retry.MaxAttempts <= 0:
		return errors.New("config: retry.maxAttempts must be positive")
	}
	return nil
}
