package rules

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRules []byte

// Default returns the rules shipped with the importer.
func Default() ([]Rule, error) {
	return Parse(defaultRules)
}

// LoadFile reads rules from a YAML file.
func LoadFile(path string) ([]Rule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open rule file %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("unable to open rule file %s: is a directory", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read rule file %s: %w", path, err)
	}

	rules, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// Parse decodes a mapping of rule name to rule mapping, keeping declaration
// order. A rule containing a key outside the recognized set, or no matching
// criterion, fails with ErrConfigMalformed.
func Parse(data []byte) ([]Rule, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrConfigMalformed, err)
	}

	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: rule file does not contain a mapping", ErrConfigMalformed)
	}

	rules := make([]Rule, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		nameNode, body := root.Content[i], root.Content[i+1]
		rule, err := parseRule(nameNode.Value, body)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseRule(name string, node *yaml.Node) (Rule, error) {
	rule := Rule{Name: name}
	if node.Kind != yaml.MappingNode {
		return rule, fmt.Errorf("%w: rule %q is not a mapping", ErrConfigMalformed, name)
	}

	seen := make(map[string]bool)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, node.Content[i+1]
		if !isKnownKey(key) {
			return rule, fmt.Errorf("%w: rule %q has unknown key %q", ErrConfigMalformed, name, key)
		}
		if seen[key] {
			return rule, fmt.Errorf("%w: rule %q repeats key %q", ErrConfigMalformed, name, key)
		}
		seen[key] = true

		if val.Kind != yaml.ScalarNode {
			return rule, fmt.Errorf("%w: rule %q key %q must be a string (line %d)",
				ErrConfigMalformed, name, key, val.Line)
		}

		switch key {
		case KeyMessage:
			rule.Message = val.Value
		case KeyTimestampDesc:
			rule.TimestampDesc = val.Value
		case KeySeparator:
			rule.Separator = val.Value
		case KeyEncoding:
			rule.Encoding = val.Value
		case KeyDatetime:
			rule.Datetime = val.Value
		case KeyDataType:
			rule.DataType = val.Value
		case KeyColumns:
			rule.Columns = val.Value
		case KeyColumnsSubset:
			rule.ColumnsSubset = val.Value
		}
	}
	if !rule.Matchable() {
		return rule, fmt.Errorf("%w: rule %q needs data_type, columns or columns_subset", ErrConfigMalformed, name)
	}
	return rule, nil
}
