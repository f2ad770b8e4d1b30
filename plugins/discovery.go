package plugins

import (
	"fmt"

	"github.com/kingrea/forge/internal/compiler"
)

// RegisterRules discovers YAML and Go rule definitions under dir and
// registers them. Kinds that collide with each other or with an already
// registered rule are rejected.
func RegisterRules(reg *compiler.Registry, dir string) ([]DefinitionFile, error) {
	if reg == nil {
		return nil, nil
	}
	defs, err := loadAllDefinitionFiles(dir)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]string)
	for _, file := range defs {
		def := file.Definition
		if existing, ok := seen[def.Kind]; ok {
			return nil, fmt.Errorf("plugin: duplicate rule kind %s (%s and %s)", def.Kind, existing, file.Path)
		}
		seen[def.Kind] = file.Path
		defCopy := def
		if err := reg.Register(defCopy.Kind, func(cfg compiler.Config) (compiler.Rule, error) {
			return defCopy.Rule(cfg), nil
		}); err != nil {
			return nil, fmt.Errorf("plugin: register %s from %s: %w", def.Kind, file.Path, err)
		}
	}
	return defs, nil
}

func loadAllDefinitionFiles(dir string) ([]DefinitionFile, error) {
	yamlDefs, err := LoadDefinitionDir(dir)
	if err != nil {
		return nil, err
	}
	goDefs, err := LoadGoDefinitionDir(dir)
	if err != nil {
		return nil, err
	}
	return append(yamlDefs, goDefs...), nil
}
