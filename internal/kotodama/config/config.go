// Package config loads the optional YAML configuration file. The file is
// validated against an embedded JSON Schema before it is decoded, so typos
// in key names are reported instead of silently ignored.
//
// Environment variables take precedence over the file; merging happens in
// cmd/kotodama.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "kotodama://config.schema.json"

// File mirrors the YAML document. Zero values mean "not set".
type File struct {
	Persona string       `yaml:"persona"`
	Server  ServerFile   `yaml:"server"`
	Gemini  ProviderFile `yaml:"gemini"`
	Groq    ProviderFile `yaml:"groq"`
	Pricing PricingFile  `yaml:"pricing"`
	AI      AIFile       `yaml:"ai"`
	Memory  MemoryFile   `yaml:"memory"`
}

type ServerFile struct {
	Port          int    `yaml:"port"`
	AllowedOrigin string `yaml:"allowedOrigin"`
}

type ProviderFile struct {
	Model   string `yaml:"model"`
	BaseURL string `yaml:"baseUrl"`
}

type PricingFile struct {
	GeminiOutPer1K float64 `yaml:"geminiOutPer1K"`
	GroqOutPer1K   float64 `yaml:"groqOutPer1K"`
}

type AIFile struct {
	Timeout  Duration `yaml:"timeout"`
	Cooldown Duration `yaml:"cooldown"`
}

type MemoryFile struct {
	Limit int `yaml:"limit"`
}

// Duration decodes Go duration strings such as "8s" or "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.AssertFormat = true
		if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			compileErr = fmt.Errorf("config: add schema: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Parse validates and decodes a YAML document.
func Parse(data []byte) (*File, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if doc == nil {
		return &File{}, nil
	}

	// Round-trip through JSON so the validator sees JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var inst any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&inst); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	sch, err := schema()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &f, nil
}

// Load reads path. An empty path yields an empty File.
func Load(path string) (*File, error) {
	if path == "" {
		return &File{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}
