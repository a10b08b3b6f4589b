package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"quorumcore/crypto"

	"github.com/BurntSushi/toml"
)

// StoreConfig selects the relational backend the ledger's Root persists
// through. Driver is either "sqlite" (file-backed, used for
// single-process deployments and tests) or "postgres".
type StoreConfig struct {
	Driver string `toml:"Driver"`
	DSN    string `toml:"DSN"`
}

// CacheConfig bounds the size of the Root's in-memory LRU caches.
type CacheConfig struct {
	EntrySize      int `toml:"EntrySize"`
	BestOffersSize int `toml:"BestOffersSize"`
}

type Config struct {
	ListenAddress         string      `toml:"ListenAddress"`
	MetricsAddress        string      `toml:"MetricsAddress"`
	DataDir               string      `toml:"DataDir"`
	GenesisFile           string      `toml:"GenesisFile"`
	ValidatorKeystorePath string      `toml:"ValidatorKeystorePath"`
	ValidatorKMSURI       string      `toml:"ValidatorKMSURI"`
	ValidatorKMSEnv       string      `toml:"ValidatorKMSEnv"`
	NetworkName           string      `toml:"NetworkName"`
	Bootnodes             []string    `toml:"Bootnodes"`
	PersistentPeers       []string    `toml:"PersistentPeers"`
	Store                 StoreConfig `toml:"Store"`
	Cache                 CacheConfig `toml:"Cache"`
}

const (
	defaultEntryCacheSize      = 4096
	defaultBestOffersCacheSize = 64
)

// Load loads the configuration from the given path, bootstrapping a
// default file and validator keystore on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if cfg.ValidatorKMSURI == "" && cfg.ValidatorKMSEnv == "" {
		if err := ensureKeystore(path, cfg); err != nil {
			return nil, err
		}
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "quorumcore-local"
	}
	if cfg.Bootnodes == nil {
		cfg.Bootnodes = []string{}
	}
	if cfg.PersistentPeers == nil {
		cfg.PersistentPeers = []string{}
	}
	if strings.TrimSpace(cfg.Store.Driver) == "" {
		cfg.Store.Driver = "sqlite"
	}
	if strings.TrimSpace(cfg.Store.DSN) == "" && cfg.Store.Driver == "sqlite" {
		cfg.Store.DSN = filepath.Join(cfg.DataDir, "ledger.db")
	}
	if cfg.Cache.EntrySize <= 0 {
		cfg.Cache.EntrySize = defaultEntryCacheSize
	}
	if cfg.Cache.BestOffersSize <= 0 {
		cfg.Cache.BestOffersSize = defaultBestOffersCacheSize
	}
	if cfg.Store.Driver != "sqlite" && cfg.Store.Driver != "postgres" {
		return nil, fmt.Errorf("config: unsupported store driver %q", cfg.Store.Driver)
	}

	return cfg, nil
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.ValidatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.ValidatorKeystorePath != keystorePath {
		cfg.ValidatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file, along
// with a freshly generated node keystore.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress:   ":6001",
		MetricsAddress:  ":9464",
		DataDir:         "./quorumcore-data",
		GenesisFile:     "",
		NetworkName:     "quorumcore-local",
		Bootnodes:       []string{},
		PersistentPeers: []string{},
		Store:           StoreConfig{Driver: "sqlite", DSN: filepath.Join("./quorumcore-data", "ledger.db")},
		Cache:           CacheConfig{EntrySize: defaultEntryCacheSize, BestOffersSize: defaultBestOffersCacheSize},
	}
	cfg.ValidatorKeystorePath = keystorePath

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "validator.keystore")
}
