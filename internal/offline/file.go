package offline

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// File is the flag file layout.
type File struct {
	Flags map[string]FlagSpec `yaml:"flags"`
}

// FlagSpec is one flag: a default value and optional rules.
//
// In the file a flag is written either as its bare value, or as a
// mapping with only "value" and "rules" keys. A structured value whose
// only keys are "value" and/or "rules" must be wrapped in "value:".
type FlagSpec struct {
	Value any    `yaml:"value"`
	Rules []Rule `yaml:"rules"`
}

// Rule serves Value when When evaluates to true.
type Rule struct {
	When  string `yaml:"when"`
	Value any    `yaml:"value"`
}

func (f *FlagSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode && isSpecMapping(node) {
		type plain FlagSpec
		var spec plain
		if err := node.Decode(&spec); err != nil {
			return err
		}
		*f = FlagSpec(spec)
		return nil
	}

	var value any
	if err := node.Decode(&value); err != nil {
		return err
	}
	*f = FlagSpec{Value: value}
	return nil
}

// isSpecMapping reports whether a mapping node uses only the FlagSpec keys.
func isSpecMapping(node *yaml.Node) bool {
	if len(node.Content) == 0 {
		return false
	}
	for i := 0; i < len(node.Content); i += 2 {
		switch node.Content[i].Value {
		case "value", "rules":
		default:
			return false
		}
	}
	return true
}

// Parse decodes a flag file.
func Parse(data []byte) (File, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return File{}, err
	}
	for key := range file.Flags {
		if key == "" {
			return File{}, fmt.Errorf("flag with empty key")
		}
	}
	return file, nil
}
