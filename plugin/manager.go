package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"
)

const (
	// DefaultInsName is the tag for the default plugin instance.
	DefaultInsName = "default"
)

// Errors returned by the manager. Setup errors wrap the factory's own error.
var (
	ErrPluginNotFound      = errors.New("plugin not found")
	ErrDuplicatePlugin     = errors.New("duplicate plugin")
	ErrInvalidConfigFormat = errors.New("invalid config format")
	ErrConfigDecode        = errors.New("config decode error")
	ErrConfigInvalid       = errors.New("config validation error")
	ErrFactorySetup        = errors.New("factory setup error")
)

// validator is implemented by config structs that check themselves after decoding.
type validator interface {
	Validate() error
}

type instance struct {
	plugin  Plugin
	factory Factory
}

// Manager owns plugin factories and the instances built from configuration.
type Manager struct {
	factories map[Type]map[string]Factory
	plugins   map[Type]map[string]instance
	lock      sync.RWMutex
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		factories: make(map[Type]map[string]Factory),
		plugins:   make(map[Type]map[string]instance),
	}
}

// RegisterFactory makes f available to SetupPlugins. A later registration with the same
// type and name replaces the earlier one.
func (m *Manager) RegisterFactory(f Factory) {
	m.lock.Lock()
	defer m.lock.Unlock()

	factories, ok := m.factories[f.Type()]
	if !ok {
		factories = make(map[string]Factory)
		m.factories[f.Type()] = factories
	}
	factories[f.Name()] = f
}

// SetupPlugins builds every plugin in pluginConf, the `plugin` section of the
// application config: type -> factory name -> raw config map. Unknown types are skipped.
// Instances are keyed by their `tag` when present, by factory name otherwise.
func (m *Manager) SetupPlugins(pluginConf map[string]any) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	// Deterministic order keeps setup failures reproducible.
	typeNames := make([]string, 0, len(pluginConf))
	for typeName := range pluginConf {
		typeNames = append(typeNames, typeName)
	}
	sort.Strings(typeNames)

	for _, typeName := range typeNames {
		pluginType := Type(typeName)
		factories, ok := m.factories[pluginType]
		if !ok {
			continue
		}

		pluginsMap, ok := pluginConf[typeName].(map[string]any)
		if !ok {
			return fmt.Errorf("%w for plugin type '%s'", ErrInvalidConfigFormat, pluginType)
		}

		names := make([]string, 0, len(pluginsMap))
		for name := range pluginsMap {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			if err := m.setupOne(pluginType, factories, name, pluginsMap[name]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) setupOne(pluginType Type, factories map[string]Factory, name string, config any) error {
	factory, ok := factories[name]
	if !ok {
		return fmt.Errorf("%w: plugin factory not found for type '%s' and name '%s'", ErrPluginNotFound, pluginType, name)
	}

	configMap, ok := config.(map[string]any)
	if !ok {
		return fmt.Errorf("%w for plugin '%s':'%s'", ErrInvalidConfigFormat, pluginType, name)
	}

	targetConfig := factory.ConfigType()
	if targetConfig == nil {
		return fmt.Errorf("%w: plugin factory '%s':'%s' did not provide a configuration type", ErrInvalidConfigFormat, pluginType, name)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: false,
		Result:           targetConfig,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to create config decoder for plugin '%s':'%s': %v", ErrConfigDecode, pluginType, name, err)
	}
	if err := decoder.Decode(configMap); err != nil {
		return fmt.Errorf("%w: failed to decode config for plugin '%s':'%s': %v", ErrConfigDecode, pluginType, name, err)
	}
	if v, ok := targetConfig.(validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: plugin '%s':'%s': %v", ErrConfigInvalid, pluginType, name, err)
		}
	}

	key := name
	if tag, ok := configMap["tag"].(string); ok && tag != "" {
		key = tag
	}
	if _, exists := m.plugins[pluginType][key]; exists {
		return fmt.Errorf("%w: duplicate plugin tag/name '%s' for type '%s'", ErrDuplicatePlugin, key, pluginType)
	}

	ins, err := factory.Setup(targetConfig)
	if err != nil {
		return fmt.Errorf("%w: failed to setup plugin '%s':'%s': %v", ErrFactorySetup, pluginType, name, err)
	}

	if _, ok := m.plugins[pluginType]; !ok {
		m.plugins[pluginType] = make(map[string]instance)
	}
	m.plugins[pluginType][key] = instance{plugin: ins, factory: factory}
	return nil
}

// GetPlugin returns the instance registered under name (its tag or factory name).
func (m *Manager) GetPlugin(typ Type, name string) (Plugin, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	plugins, ok := m.plugins[typ]
	if !ok {
		return nil, fmt.Errorf("%w: no plugins found for type '%s'", ErrPluginNotFound, typ)
	}
	ins, ok := plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: plugin '%s' not found for type '%s'", ErrPluginNotFound, name, typ)
	}
	return ins.plugin, nil
}

// GetDefaultPlugin returns the instance tagged DefaultInsName.
func (m *Manager) GetDefaultPlugin(typ Type) (Plugin, error) {
	return m.GetPlugin(typ, DefaultInsName)
}

// DestroyPlugins hands every instance back to its factory and forgets it.
func (m *Manager) DestroyPlugins() {
	m.lock.Lock()
	defer m.lock.Unlock()

	for typ, plugins := range m.plugins {
		for _, ins := range plugins {
			ins.factory.Destroy(ins.plugin)
		}
		delete(m.plugins, typ)
	}
}
