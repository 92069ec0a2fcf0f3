package builtin

import (
	"context"
	"sort"
	"sync"

	"github.com/kittynXR/maowbot-sub000/internal/errs"
)

// PluginFunc is a function exported by a loaded plugin.
type PluginFunc func(ctx context.Context, params map[string]string) (map[string]interface{}, error)

// PluginTable maps plugin id and function name to implementations.
// Plugins register after load; plugin_call resolves at execution time.
type PluginTable struct {
	mu    sync.RWMutex
	funcs map[string]map[string]PluginFunc
}

func NewPluginTable() *PluginTable {
	return &PluginTable{funcs: make(map[string]map[string]PluginFunc)}
}

// Register exposes fn as pluginID.function.
func (t *PluginTable) Register(pluginID, function string, fn PluginFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	fns, ok := t.funcs[pluginID]
	if !ok {
		fns = make(map[string]PluginFunc)
		t.funcs[pluginID] = fns
	}
	if _, dup := fns[function]; dup {
		return errs.Errorf(errs.ErrDuplicateHandler, "register plugin function", "%s.%s", pluginID, function)
	}
	fns[function] = fn
	return nil
}

// Unload drops every function of pluginID.
func (t *PluginTable) Unload(pluginID string) {
	t.mu.Lock()
	delete(t.funcs, pluginID)
	t.mu.Unlock()
}

// Lookup finds pluginID.function.
func (t *PluginTable) Lookup(pluginID, function string) (PluginFunc, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.funcs[pluginID][function]
	if !ok {
		return nil, errs.Errorf(errs.ErrUnknownHandler, "plugin call", "%s.%s is not loaded", pluginID, function)
	}
	return fn, nil
}

// Plugins lists loaded plugin ids.
func (t *PluginTable) Plugins() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.funcs))
	for id := range t.funcs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
