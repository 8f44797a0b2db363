package config

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-cache/types"
)

// Parser resolves dotted paths ("cache.default_ttl") against the effective
// configuration. Top-level sections unknown to ServiceConfig are kept from the
// raw document, so host applications can carry their own blocks.
type Parser struct {
	data map[string]interface{}
}

func NewParser(config *types.ServiceConfig, raw map[string]interface{}) *Parser {
	parser := &Parser{
		data: make(map[string]interface{}),
	}

	if config != nil {
		if configBytes, err := yaml.Marshal(config); err == nil {
			if err := yaml.Unmarshal(configBytes, &parser.data); err != nil {
				parser.data = make(map[string]interface{})
			}
		}
	}

	for key, value := range raw {
		if _, exists := parser.data[key]; !exists {
			parser.data[key] = value
		}
	}

	return parser
}

func (p *Parser) GetValue(path string, defaultValue interface{}) interface{} {
	value := p.navigateToPath(path)
	if value == nil {
		return defaultValue
	}
	return value
}

func (p *Parser) GetAs(path string, target interface{}) error {
	value := p.navigateToPath(path)
	if value == nil {
		return types.Errorf(types.ErrConfigNotFound, "path: %s", path)
	}

	valueBytes, err := yaml.Marshal(value)
	if err != nil {
		return types.WrapError(err, "failed to marshal config value")
	}

	if err = yaml.Unmarshal(valueBytes, target); err != nil {
		return types.WrapError(err, "failed to unmarshal config value")
	}

	return nil
}

func (p *Parser) navigateToPath(path string) interface{} {
	if path == "" {
		return p.data
	}

	var current interface{} = p.data

	for _, part := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]interface{}:
			current = v[part]
		case map[interface{}]interface{}:
			current = v[part]
		default:
			return nil
		}

		if current == nil {
			return nil
		}
	}

	return current
}
