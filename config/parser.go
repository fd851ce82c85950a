package config

import (
	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

// Parser indexes a configuration snapshot by dotted path such as
// "partitions.api.ttl". Keys are the json names of types.ServiceConfig,
// which match its yaml keys.
type Parser struct {
	paths map[string]interface{}
}

func NewParser(config *types.ServiceConfig) *Parser {
	parser := &Parser{paths: make(map[string]interface{})}

	data, err := utils.Marshal(config)
	if err != nil {
		return parser
	}

	var tree map[string]interface{}
	if err = utils.Tree.Unmarshal(data, &tree); err != nil {
		return parser
	}

	parser.index("", tree)

	return parser
}

func (p *Parser) index(path string, value interface{}) {
	if value == nil {
		return
	}

	p.paths[path] = value

	node, ok := value.(map[string]interface{})
	if !ok {
		return
	}

	for key, child := range node {
		if path != "" {
			key = path + "." + key
		}
		p.index(key, child)
	}
}

func (p *Parser) GetValue(path string, defaultValue interface{}) interface{} {
	if value, ok := p.paths[path]; ok {
		return value
	}
	return defaultValue
}

func (p *Parser) GetAs(path string, target interface{}) error {
	value, ok := p.paths[path]
	if !ok {
		return types.Errorf(types.ErrConfigNotFound, "path: %s", path)
	}

	if err := utils.Remarshal(value, target); err != nil {
		return types.WrapError(err, "failed to decode config value")
	}

	return nil
}
