/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package framework

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigSection is the raw configuration of one module, i.e. the value of
// its top-level key in the configuration file.
type ConfigSection struct {
	node *yaml.Node
}

// NewConfigSection parses a YAML document into a section.
func NewConfigSection(doc string) (ConfigSection, error) {
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(doc), &node); err != nil {
		return ConfigSection{}, fmt.Errorf("failed to parse configuration section: %w", err)
	}
	if node.Kind == 0 {
		return ConfigSection{}, nil
	}
	return ConfigSection{node: &node}, nil
}

// IsZero reports whether the section was absent.
func (s ConfigSection) IsZero() bool {
	return s.node == nil
}

// Decode unmarshals the section into v. An absent section leaves v untouched.
func (s ConfigSection) Decode(v interface{}) error {
	if s.node == nil {
		return nil
	}
	return s.node.Decode(v)
}

// loadEnvFiles loads dotenv files that exist. Variables already present in
// the environment are not overridden.
func loadEnvFiles(files []string) ([]string, error) {
	var loaded []string
	for _, file := range files {
		if file == "" {
			continue
		}
		if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return loaded, fmt.Errorf("failed to load env file %s: %w", file, err)
		}
		loaded = append(loaded, file)
	}
	return loaded, nil
}

// loadConfigSections splits the configuration file by top-level key. An
// empty path yields no sections.
func loadConfigSections(path string) (map[string]ConfigSection, error) {
	sections := make(map[string]ConfigSection)
	if path == "" {
		return sections, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %s: %w", path, err)
	}
	for key, node := range doc {
		sections[key] = ConfigSection{node: &node}
	}
	return sections, nil
}
