package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ZacxDev/buildloop/target"
	"github.com/pkg/errors"
	"go.starlark.net/starlark"
)

// ModuleCache stores loaded Starlark modules so a module shared between
// config files is only executed once.
type ModuleCache struct {
	modules map[string]starlark.StringDict
	mutex   sync.RWMutex
}

func NewModuleCache() *ModuleCache {
	return &ModuleCache{
		modules: make(map[string]starlark.StringDict),
	}
}

func (mc *ModuleCache) Get(key string) (starlark.StringDict, bool) {
	mc.mutex.RLock()
	defer mc.mutex.RUnlock()
	module, ok := mc.modules[key]
	return module, ok
}

func (mc *ModuleCache) Set(key string, module starlark.StringDict) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	mc.modules[key] = module
}

// LoadModule is a custom load function for Starlark that implements caching.
func LoadModule(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	cache := thread.Local("moduleCache").(*ModuleCache)

	if cachedModule, ok := cache.Get(module); ok {
		return cachedModule, nil
	}

	filename := module
	if !filepath.IsAbs(filename) {
		filename = filepath.Join(filepath.Dir(thread.Name), filename)
	}

	globals, err := starlark.ExecFile(thread, filename, nil, nil)
	if err != nil {
		return nil, err
	}

	cache.Set(module, globals)

	return globals, nil
}

// ParseStarlarkConfig executes a Starlark config file and reads the global
// 'config' dict, a mapping from target name to target fields.
func ParseStarlarkConfig(filename string) (target.Graph, error) {
	cache := NewModuleCache()
	thread := &starlark.Thread{
		Name: filename,
		Load: LoadModule,
	}
	thread.SetLocal("moduleCache", cache)

	globals, err := starlark.ExecFile(thread, filename, nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Starlark config")
	}

	configValue, ok := globals["config"]
	if !ok {
		return nil, errors.New("global 'config' object not found in Starlark config")
	}

	configDict, ok := configValue.(*starlark.Dict)
	if !ok {
		return nil, errors.New("global 'config' object is not a dictionary")
	}

	graph := make(target.Graph)

	for _, item := range configDict.Items() {
		name, ok := item.Index(0).(starlark.String)
		if !ok {
			return nil, errors.Errorf("target name %v is not a string", item.Index(0))
		}
		dict, ok := item.Index(1).(*starlark.Dict)
		if !ok {
			return nil, errors.Errorf("target %s is not a dictionary", name.GoString())
		}
		t, err := parseStarlarkTarget(name.GoString(), dict)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse target %s", name.GoString())
		}
		graph[t.Name] = t
	}

	return graph, nil
}

func parseStarlarkTarget(name string, dict *starlark.Dict) (*target.Target, error) {
	t := &target.Target{Name: name, Incremental: true}

	if deps, ok, err := getStringList(dict, "depends_on"); err != nil {
		return nil, err
	} else if ok {
		t.DependsOn = deps
	}

	if watch, ok, err := getStringList(dict, "watch"); err != nil {
		return nil, err
	} else if ok {
		t.WatchPaths = watch
	}

	if outputs, ok, err := getStringList(dict, "outputs"); err != nil {
		return nil, err
	} else if ok {
		t.OutputPaths = outputs
	}

	if build, ok, err := getStringList(dict, "build"); err != nil {
		return nil, err
	} else if ok {
		t.BuildList = build
	}

	if run, ok, err := getStringList(dict, "run"); err != nil {
		return nil, err
	} else if ok {
		t.RunList = run
	}

	if incremental, ok, err := getBooleanValue(dict, "incremental"); err != nil {
		return nil, err
	} else if ok {
		t.Incremental = incremental
	}

	return t, nil
}

func getBooleanValue(dict *starlark.Dict, key string) (bool, bool, error) {
	value, found, err := dict.Get(starlark.String(key))
	if err != nil || !found {
		return false, false, err
	}

	boolValue, ok := value.(starlark.Bool)
	if !ok {
		return false, false, fmt.Errorf("expected bool for key %s, got %T", key, value)
	}

	return bool(boolValue), true, nil
}

func getStringList(dict *starlark.Dict, key string) ([]string, bool, error) {
	value, found, err := dict.Get(starlark.String(key))
	if err != nil || !found {
		return nil, false, err
	}

	list, ok := value.(*starlark.List)
	if !ok {
		return nil, false, fmt.Errorf("expected list for key %s, got %T", key, value)
	}

	var result []string
	iter := list.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		str, ok := x.(starlark.String)
		if !ok {
			return nil, false, fmt.Errorf("expected string in list for key %s, got %T", key, x)
		}
		result = append(result, str.GoString())
	}

	return result, true, nil
}
