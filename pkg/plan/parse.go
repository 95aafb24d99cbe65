package plan

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ParseJSON decodes and validates a plan encoded as JSON.
func ParseJSON(data []byte) (*Node, error) {
	root := &Node{}
	if err := json.Unmarshal(data, root); err != nil {
		return nil, errors.Wrap(err, "decode JSON plan")
	}
	if err := root.Validate(); err != nil {
		return nil, err
	}
	return root, nil
}

// ParseYAML decodes and validates a plan encoded as YAML.
func ParseYAML(data []byte) (*Node, error) {
	root := &Node{}
	if err := yaml.UnmarshalStrict(data, root); err != nil {
		return nil, errors.Wrap(err, "decode YAML plan")
	}
	if err := root.Validate(); err != nil {
		return nil, err
	}
	return root, nil
}
