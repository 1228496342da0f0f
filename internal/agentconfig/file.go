package agentconfig

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type fileDocument struct {
	Agents []Config `yaml:"agents"`
}

// FileSource reads agent configurations from a YAML file on every call, so
// edits take effect on the next call without a restart.
//
//	agents:
//	  - name: Front desk
//	    active: true
//	    voice: verse
//	    turn_detection: {type: semantic_vad, eagerness: low}
//	    tools: [get_current_time]
type FileSource struct {
	Path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (s *FileSource) ActiveConfiguration(ctx context.Context) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read agent file: %w", err)
	}
	return parseAgents(data)
}

func parseAgents(data []byte) (*Config, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse agent file: %w", err)
	}
	for i := range doc.Agents {
		if doc.Agents[i].Active {
			cfg := doc.Agents[i]
			return &cfg, nil
		}
	}
	return nil, ErrNoActiveConfiguration
}
