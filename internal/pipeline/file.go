package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadFile reads a JSON array of pipeline definitions and registers each one.
// This is how operators declare pipelines for the orchestrator.
func LoadFile(path string, r *Registry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pipelines file: %w", err)
	}
	var defs []*Definition
	if err := json.Unmarshal(data, &defs); err != nil {
		return fmt.Errorf("parse pipelines file %s: %w", path, err)
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return fmt.Errorf("register pipeline from %s: %w", path, err)
		}
	}
	return nil
}
