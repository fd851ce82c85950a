package utils

import (
	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

// Tree decodes JSON numbers into int64 when they are integral, so durations
// and byte sizes survive a trip through an untyped map.
var Tree = sonic.Config{UseInt64: true}.Froze()

func Marshal(data interface{}) ([]byte, error) {
	return sonic.ConfigDefault.Marshal(data)
}

func Unmarshal[T any](data []byte, target *T) error {
	return sonic.ConfigDefault.Unmarshal(data, target)
}

// UnmarshalConfig fills target from a loosely typed config section, usually
// the map yaml produced for a backend's `config` block.
func UnmarshalConfig[T any](config interface{}, target *T) error {
	if config == nil {
		return errors.New("config is nil")
	}

	if typed, ok := config.(*T); ok {
		*target = *typed
		return nil
	}

	return Remarshal(config, target)
}

// Remarshal converts value into target through its JSON form.
func Remarshal(value interface{}, target interface{}) error {
	data, err := Tree.Marshal(value)
	if err != nil {
		return err
	}

	return Tree.Unmarshal(data, target)
}
