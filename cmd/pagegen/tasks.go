package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"pagegen/internal/domain"
)

// taskFile is the generate input. YAML is a superset of JSON, so one decoder
// reads both forms.
type taskFile struct {
	Priority string                  `yaml:"priority"`
	Tasks    []domain.GenerationTask `yaml:"tasks"`
}

func loadTaskFile(path string) (taskFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return taskFile{}, err
	}
	return parseTaskFile(data)
}

func parseTaskFile(data []byte) (taskFile, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return taskFile{}, fmt.Errorf("parse task file: %w", err)
	}
	if len(node.Content) == 0 {
		return taskFile{}, fmt.Errorf("task file is empty")
	}
	var tf taskFile
	switch root := node.Content[0]; root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&tf.Tasks); err != nil {
			return taskFile{}, fmt.Errorf("parse task file: %w", err)
		}
	case yaml.MappingNode:
		if err := root.Decode(&tf); err != nil {
			return taskFile{}, fmt.Errorf("parse task file: %w", err)
		}
	default:
		return taskFile{}, fmt.Errorf("task file must be a list of tasks or an object with tasks")
	}
	if len(tf.Tasks) == 0 {
		return taskFile{}, fmt.Errorf("task file has no tasks")
	}
	return tf, nil
}

func writePages(dir string, results []domain.GenerationResult) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, r := range results {
		path := filepath.Join(dir, pageFileName(r.TaskID))
		if err := os.WriteFile(path, []byte(r.Content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func pageFileName(taskID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, taskID)
	name = strings.Trim(name, ".")
	if name == "" {
		name = "page"
	}
	return name + ".md"
}
