package datablock

import (
	"sync"

	"go.uber.org/zap"

	"github.com/anlab-kaist/nba-go/core/logging"
)

var logger = logging.New("datablock")

var (
	registryMu sync.Mutex
	registry   []*Desc
	byName     = map[string]*Desc{}
)

// Register assigns a process-wide id to a datablock declaration.
// Registration happens during element class init, before threads spawn.
// Duplicate names panic.
func Register(d *Desc) int {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := byName[d.Name]; ok {
		logger.Panic("duplicate datablock name", zap.String("name", d.Name))
	}
	d.id = len(registry)
	registry = append(registry, d)
	byName[d.Name] = d
	return d.id
}

// Get returns the declaration with the given id, nil if out of range.
func Get(id int) *Desc {
	registryMu.Lock()
	defer registryMu.Unlock()
	if id < 0 || id >= len(registry) {
		return nil
	}
	return registry[id]
}

// FindByName returns the declaration with the given name, nil if absent.
func FindByName(name string) *Desc {
	registryMu.Lock()
	defer registryMu.Unlock()
	return byName[name]
}

// Count returns the number of registered datablocks.
func Count() int {
	registryMu.Lock()
	defer registryMu.Unlock()
	return len(registry)
}
