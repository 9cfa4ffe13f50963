package config

import (
	"fmt"
	"net/url"

	"gopkg.in/yaml.v3"
)

// Query accepts either an encoded query string or a mapping whose values
// are scalars or lists of scalars.
type Query struct {
	Values url.Values
	Raw    string
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (q *Query) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&q.Raw)
	case yaml.MappingNode:
		q.Values = make(url.Values, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			val := node.Content[i+1]
			switch val.Kind {
			case yaml.ScalarNode:
				q.Values[key] = append(q.Values[key], val.Value)
			case yaml.SequenceNode:
				for _, item := range val.Content {
					if item.Kind != yaml.ScalarNode {
						return fmt.Errorf("line %d: query %q: list items must be scalars", item.Line, key)
					}
					q.Values[key] = append(q.Values[key], item.Value)
				}
			default:
				return fmt.Errorf("line %d: query %q: value must be a scalar or a list", val.Line, key)
			}
		}
		return nil
	default:
		return fmt.Errorf("line %d: query must be a string or a mapping", node.Line)
	}
}

// MarshalYAML implements yaml.Marshaler.
func (q Query) MarshalYAML() (interface{}, error) {
	if q.Values != nil {
		return map[string][]string(q.Values), nil
	}
	return q.Raw, nil
}

// IsZero reports whether no query was configured.
func (q Query) IsZero() bool {
	return q.Values == nil && q.Raw == ""
}
