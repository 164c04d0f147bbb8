package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/feichai0017/ocr-batch/internal/preprocess"
)

// Profile names recognised by the orchestrator.
const (
	ProfilePrinted     = "printed"
	ProfileHandwriting = "handwriting"
)

// Profiles are named preprocessing chains read from YAML:
//
//	profiles:
//	  printed: [denoise, deskew, contrast, binarize]
//	  handwriting: [denoise, strokeEnhance, contrast]
//
// Unknown stage names are dropped and kept in Unknown so the caller can
// warn about them.
type Profiles struct {
	Chains  map[string][]preprocess.Stage
	Unknown map[string][]string
}

type profileFile struct {
	Profiles map[string][]string `yaml:"profiles"`
}

func LoadProfiles(path string) (Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profiles{}, fmt.Errorf("failed to read profile file: %w", err)
	}
	return ParseProfiles(data)
}

func ParseProfiles(data []byte) (Profiles, error) {
	var raw profileFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Profiles{}, fmt.Errorf("failed to parse profile file: %w", err)
	}
	p := Profiles{
		Chains:  make(map[string][]preprocess.Stage, len(raw.Profiles)),
		Unknown: make(map[string][]string),
	}
	for name, names := range raw.Profiles {
		stages, unknown := preprocess.ParseStages(names)
		p.Chains[name] = stages
		if len(unknown) > 0 {
			p.Unknown[name] = unknown
		}
	}
	return p, nil
}

// Chain returns the stages of a profile, or nil when it is not defined.
func (p Profiles) Chain(name string) []preprocess.Stage {
	if p.Chains == nil {
		return nil
	}
	return p.Chains[name]
}
