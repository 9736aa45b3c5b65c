package scheduler

import (
	"fmt"
	"sort"
)

// registerExported registers the factories of a plugin symbol, which is a pointer to the
// exported map.
func registerExported(symbol any) ([]string, error) {
	var factories map[string]Factory
	switch v := symbol.(type) {
	case *map[string]Factory:
		factories = *v
	case map[string]Factory:
		factories = v
	default:
		return nil, fmt.Errorf("symbol %s has type %T, want map[string]scheduler.Factory", PluginSymbol, symbol)
	}
	if len(factories) == 0 {
		return nil, fmt.Errorf("symbol %s exports no schedulers", PluginSymbol)
	}
	names := make([]string, 0, len(factories))
	for name, factory := range factories {
		if err := Register(name, factory); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
