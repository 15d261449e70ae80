package objectstore

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	Region         string `yaml:"region"`
	UseSSL         bool   `yaml:"use_ssl"`
	BucketDatasets string `yaml:"bucket_datasets"`
}

func DefaultConfig() Config {
	return Config{
		Endpoint:       "localhost:9000",
		AccessKey:      "evalhub",
		SecretKey:      "evalhubminio",
		Region:         "us-east-1",
		BucketDatasets: "datasets",
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("object store endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("object store access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("object store secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("object store region is required")
	}
	if strings.TrimSpace(c.BucketDatasets) == "" {
		return errors.New("object store datasets bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("object store endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
