package plan

import (
	"fmt"
	"strings"
)

// Kind is the variant tag of a logical operator.
type Kind int

const (
	KindInvalid Kind = iota
	KindTableSource
	KindProject
	KindFilter
	KindHashAgg
	KindSimpleAgg
	KindHashJoin
	KindTopN
	KindMerge
	KindMaterialize
	// KindExchange marks a data redistribution boundary. It carries the
	// dispatcher used to route rows across the boundary.
	KindExchange
)

var kindNames = map[Kind]string{
	KindInvalid:     "invalid",
	KindTableSource: "table_source",
	KindProject:     "project",
	KindFilter:      "filter",
	KindHashAgg:     "hash_agg",
	KindSimpleAgg:   "simple_agg",
	KindHashJoin:    "hash_join",
	KindTopN:        "top_n",
	KindMerge:       "merge",
	KindMaterialize: "materialize",
	KindExchange:    "exchange",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind-%d", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s && k != KindInvalid {
			return k, nil
		}
	}
	return KindInvalid, fmt.Errorf("unknown operator kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (k *Kind) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return k.UnmarshalText([]byte(s))
}

// MarshalYAML implements yaml.Marshaler.
func (k Kind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

// DispatcherType is the routing strategy of a dispatcher.
type DispatcherType int

const (
	// DispatcherNone means the output goes to a single consumer and is not
	// dispatched. Only the root fragment uses it.
	DispatcherNone DispatcherType = iota
	DispatcherSimple
	DispatcherRoundRobin
	DispatcherHash
	DispatcherBroadcast
)

var dispatcherNames = map[DispatcherType]string{
	DispatcherNone:       "none",
	DispatcherSimple:     "simple",
	DispatcherRoundRobin: "round_robin",
	DispatcherHash:       "hash",
	DispatcherBroadcast:  "broadcast",
}

func (t DispatcherType) String() string {
	if name, ok := dispatcherNames[t]; ok {
		return name
	}
	return fmt.Sprintf("dispatcher-%d", int(t))
}

// ParseDispatcherType is the inverse of DispatcherType.String.
func ParseDispatcherType(s string) (DispatcherType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range dispatcherNames {
		if name == s {
			return t, nil
		}
	}
	return DispatcherNone, fmt.Errorf("unknown dispatcher type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t DispatcherType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *DispatcherType) UnmarshalText(text []byte) error {
	parsed, err := ParseDispatcherType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *DispatcherType) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return t.UnmarshalText([]byte(s))
}

// MarshalYAML implements yaml.Marshaler.
func (t DispatcherType) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}
