package config

import (
	_ "embed"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type ServiceConfig struct {
	Title         string             `yaml:"title" json:"title"`
	BaseConsentID string             `yaml:"baseConsentId" json:"baseConsentId"`
	SubServices   []SubServiceConfig `yaml:"subServices" json:"subServices"`
}

type SubServiceConfig struct {
	ID         string   `yaml:"id" json:"id"`
	Name       string   `yaml:"name" json:"name"`
	ConsentIDs []string `yaml:"consentIds" json:"consentIds"`
}

func DefaultCatalog() (map[string]*ServiceConfig, error) {
	var catalog map[string]*ServiceConfig
	if err := yaml.Unmarshal(defaultCatalog, &catalog); err != nil {
		return nil, err
	}
	return catalog, nil
}
