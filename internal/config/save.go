package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Marshal renders cfg as YAML with durations in their string form.
func Marshal(cfg Config) ([]byte, error) {
	view := map[string]any{
		"api": map[string]any{
			"addr":            cfg.API.Addr,
			"allowed_origins": cfg.API.AllowedOrigins,
			"read_timeout":    cfg.API.ReadTimeout.String(),
		},
		"relay": map[string]any{
			"retention":       cfg.Relay.Retention,
			"idempotency_ttl": cfg.Relay.IdempotencyTTL.String(),
		},
		"tool": map[string]any{
			"api_endpoint":    cfg.Tool.APIEndpoint,
			"poll_interval":   cfg.Tool.PollInterval.String(),
			"max_wait":        cfg.Tool.MaxWait.String(),
			"request_timeout": cfg.Tool.RequestTimeout.String(),
		},
		"tracing": map[string]any{
			"enabled":       cfg.Tracing.Enabled,
			"exporter":      cfg.Tracing.Exporter,
			"file_path":     cfg.Tracing.FilePath,
			"otlp_endpoint": cfg.Tracing.OTLPEndpoint,
			"sample_rate":   cfg.Tracing.SampleRate,
		},
		"log": map[string]any{
			"debug": cfg.Log.Debug,
			"path":  cfg.Log.Path,
		},
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(view); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}

// SetValue sets a dotted key such as "tool.api_endpoint" to a scalar value
// in the config file, keeping comments and the order of other keys.
func SetValue(configPath, key, value string) error {
	parts := strings.Split(key, ".")
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("invalid key %q", key)
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("config root must be a mapping")
	}

	node := doc.Content[0]
	for i, part := range parts {
		last := i == len(parts)-1
		child := lookup(node, part)
		if child == nil {
			child = &yaml.Node{Kind: yaml.MappingNode}
			if last {
				child = &yaml.Node{Kind: yaml.ScalarNode}
			}
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: part},
				child,
			)
		}
		if last {
			if child.Kind != yaml.ScalarNode {
				return fmt.Errorf("%s is a section, not a value", key)
			}
			child.Tag = ""
			child.Style = 0
			child.Value = value
			break
		}
		if child.Kind != yaml.MappingNode {
			return fmt.Errorf("%s is not a section", strings.Join(parts[:i+1], "."))
		}
		node = child
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.WriteFile(configPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// lookup returns the value node for key in a mapping node.
func lookup(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}
