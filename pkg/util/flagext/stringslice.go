package flagext

import (
	"fmt"
	"strings"
)

// StringSlice is a slice of strings that implements flag.Value. Each
// occurrence of the flag appends a value; a comma separated list is split.
type StringSlice []string

// String implements flag.Value
func (v StringSlice) String() string {
	return fmt.Sprintf("%s", []string(v))
}

// Set implements flag.Value
func (v *StringSlice) Set(s string) error {
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*v = append(*v, part)
		}
	}
	return nil
}
