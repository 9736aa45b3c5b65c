//go:build !(linux || darwin) || !cgo

package scheduler

import "errors"

const PluginSymbol = "Schedulers"

func LoadPlugin(_ string) ([]string, error) {
	return nil, errors.New("scheduler plugins need cgo on linux or darwin")
}
