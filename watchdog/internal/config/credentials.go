package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// credential is one entry of the telegram credentials file. JSON is a subset
// of YAML, so the file is decoded with the same parser as config.yaml.
// CHAT_ID is commonly written as a bare number, hence the untyped field.
type credential struct {
	Key    string      `yaml:"KEY"`
	ChatID interface{} `yaml:"CHAT_ID"`
}

// LoadCredentials reads a telegram credentials file, a JSON list of
// {"KEY": "...", "CHAT_ID": "..."} objects, and returns one telegram
// endpoint per entry, named telegram-0, telegram-1, ... in file order.
func LoadCredentials(path string) ([]Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var creds []credential
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials %q: %w", path, err)
	}

	eps := make([]Endpoint, 0, len(creds))
	for i, c := range creds {
		if c.Key == "" || c.ChatID == nil {
			return nil, fmt.Errorf("credentials[%d]: KEY and CHAT_ID are required", i)
		}
		eps = append(eps, Endpoint{
			ID:     fmt.Sprintf("telegram-%d", i),
			Type:   "telegram",
			Key:    c.Key,
			ChatID: fmt.Sprint(c.ChatID),
		})
	}
	return eps, nil
}
