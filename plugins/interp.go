package plugins

import (
	"bytes"
	"fmt"
	"os"
	"reflect"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"gopkg.in/yaml.v3"
)

const definitionsFuncName = "RunnerDefinitions"

// interpretFile evaluates the Go source at path with the standard library
// importable. Both runner definitions and routing scripts go through here.
func interpretFile(path string) (*interp.Interpreter, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(src)) == 0 {
		return nil, fmt.Errorf("plugin: %s is empty", path)
	}
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("plugin: load stdlib symbols: %w", err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("plugin: interpret %s: %w", path, err)
	}
	return i, nil
}

// loadGoDefinitions runs RunnerDefinitions() from path. Each returned map
// goes through the YAML decoder so Go and YAML runners validate alike.
func loadGoDefinitions(path string) ([]LoadedDefinition, error) {
	i, err := interpretFile(path)
	if err != nil {
		return nil, err
	}
	fn, err := i.Eval(definitionsFuncName)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s has no %s(): %w", path, definitionsFuncName, err)
	}
	raw, err := callDefinitions(fn)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s: %w", path, err)
	}
	loaded := make([]LoadedDefinition, 0, len(raw))
	for n, entry := range raw {
		source := fmt.Sprintf("%s#%d", path, n+1)
		payload, err := yaml.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", source, err)
		}
		def, err := DecodeDefinition(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", source, err)
		}
		loaded = append(loaded, LoadedDefinition{Definition: def, Source: source})
	}
	return loaded, nil
}

// callDefinitions accepts func() []map[string]any with an optional trailing
// error.
func callDefinitions(fn reflect.Value) ([]map[string]any, error) {
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", definitionsFuncName)
	}
	if t := fn.Type(); t.NumIn() != 0 || t.NumOut() < 1 || t.NumOut() > 2 {
		return nil, fmt.Errorf("%s must be func() ([]map[string]any, error)", definitionsFuncName)
	}
	out := fn.Call(nil)
	if len(out) == 2 {
		if err := errorResult(out[1], definitionsFuncName); err != nil {
			return nil, err
		}
	}
	list := out[0]
	if list.Kind() != reflect.Slice {
		return nil, fmt.Errorf("%s must return a slice of maps", definitionsFuncName)
	}
	defs := make([]map[string]any, 0, list.Len())
	for n := 0; n < list.Len(); n++ {
		entry, ok := list.Index(n).Interface().(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s entry %d is %T, not map[string]any", definitionsFuncName, n+1, list.Index(n).Interface())
		}
		defs = append(defs, entry)
	}
	return defs, nil
}

// errorResult reads an error-typed result of an interpreted call.
func errorResult(value reflect.Value, fnName string) error {
	if !value.IsValid() {
		return nil
	}
	switch value.Kind() {
	case reflect.Interface, reflect.Pointer:
		if value.IsNil() {
			return nil
		}
	}
	err, ok := value.Interface().(error)
	if !ok {
		return fmt.Errorf("%s returned %T where an error belongs", fnName, value.Interface())
	}
	return err
}
