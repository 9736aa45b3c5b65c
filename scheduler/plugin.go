//go:build (linux || darwin) && cgo

package scheduler

import (
	"fmt"
	"plugin"
)

// PluginSymbol is the exported variable a scheduler plugin must define, of type
// map[string]scheduler.Factory.
const PluginSymbol = "Schedulers"

// LoadPlugin opens a Go plugin and registers every scheduler it exports. It returns
// the registered names.
func LoadPlugin(path string) ([]string, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening scheduler plugin %s: %w", path, err)
	}
	symbol, err := p.Lookup(PluginSymbol)
	if err != nil {
		return nil, fmt.Errorf("scheduler plugin %s: %w", path, err)
	}
	return registerExported(symbol)
}
