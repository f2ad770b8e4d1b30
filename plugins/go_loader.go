package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"gopkg.in/yaml.v3"
)

const goDefinitionFuncName = "RuleDefinitions"

// Packages a Go rule script may import. Scripts only compute definitions;
// they get no file, network or process access.
var scriptPackages = []string{"fmt", "sort", "strconv", "strings", "unicode"}

// LoadGoDefinitionDir evaluates every .go file in dir and collects the rule
// definitions returned by RuleDefinitions().
func LoadGoDefinitionDir(dir string) ([]DefinitionFile, error) {
	names, err := listDir(dir, func(name string) bool { return filepath.Ext(name) == ".go" })
	if err != nil || len(names) == 0 {
		return nil, err
	}
	var defs []DefinitionFile
	for _, name := range names {
		fileDefs, err := loadGoDefinitionFile(filepath.Join(strings.TrimSpace(dir), name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, fileDefs...)
	}
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].Path < defs[j].Path })
	return defs, nil
}

func scriptSymbols() interp.Exports {
	allowed := make(map[string]struct{}, len(scriptPackages))
	for _, pkg := range scriptPackages {
		allowed[pkg] = struct{}{}
	}
	exports := interp.Exports{}
	for key, symbols := range stdlib.Symbols {
		// keys look like "strings/strings"
		pkg := key
		if idx := strings.LastIndex(key, "/"); idx > 0 {
			pkg = key[:idx]
		}
		if _, ok := allowed[pkg]; ok {
			exports[key] = symbols
		}
	}
	return exports
}

func loadGoDefinitionFile(path string) ([]DefinitionFile, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return nil, fmt.Errorf("plugin: %s is empty", path)
	}
	i := interp.New(interp.Options{})
	if err := i.Use(scriptSymbols()); err != nil {
		return nil, fmt.Errorf("plugin: prepare interpreter for %s: %w", path, err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("plugin: interpret %s: %w", path, err)
	}
	fnValue, err := i.Eval(goDefinitionFuncName)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s must define %s() ([]map[string]any, error): %w", path, goDefinitionFuncName, err)
	}
	raw, err := callDefinitions(fnValue)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s: %w", path, err)
	}
	files := make([]DefinitionFile, 0, len(raw))
	for idx, entry := range raw {
		payload, err := yaml.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("plugin: %s definition[%d]: %w", path, idx, err)
		}
		parsed, err := ParseDefinitionYAML(payload)
		if err != nil {
			return nil, fmt.Errorf("plugin: %s definition[%d]: %w", path, idx, err)
		}
		files = append(files, DefinitionFile{Definition: parsed, Path: fmt.Sprintf("%s#%d", filepath.Clean(path), idx+1)})
	}
	return files, nil
}

func callDefinitions(fn reflect.Value) ([]map[string]any, error) {
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", goDefinitionFuncName)
	}
	if fn.Type().NumIn() != 0 {
		return nil, fmt.Errorf("%s must take no arguments", goDefinitionFuncName)
	}
	results := fn.Call(nil)
	switch len(results) {
	case 1:
	case 2:
		if errVal := results[1]; !errVal.IsNil() {
			if e, ok := errVal.Interface().(error); ok {
				return nil, e
			}
			return nil, fmt.Errorf("%s returned non-error second value", goDefinitionFuncName)
		}
	default:
		return nil, fmt.Errorf("%s must return ([]map[string]any[, error])", goDefinitionFuncName)
	}
	list := results[0]
	if defs, ok := list.Interface().([]map[string]any); ok {
		return defs, nil
	}
	if list.Kind() != reflect.Slice {
		return nil, fmt.Errorf("%s must return []map[string]any", goDefinitionFuncName)
	}
	defs := make([]map[string]any, list.Len())
	for i := range defs {
		m, ok := list.Index(i).Interface().(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d] is not map[string]any", goDefinitionFuncName, i)
		}
		defs[i] = m
	}
	return defs, nil
}
