// Package strategy defines the plug-in contract and the built-in
// strategies. Strategies are pure signal generators: they never touch the
// broker, sizing, or lifecycle.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/eddiefleurent/schrute_futures/internal/models"
)

// Strategy is the plug-in contract. OnCandle is called once per closed
// candle and may return an entry signal; OnTick is called on every tick
// for trailing awareness and must be cheap.
type Strategy interface {
	Name() string
	Configure(params map[string]float64) error
	OnCandle(c models.Candle) models.Signal
	OnTick(t models.Tick)
	RequiredWarmup() int
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() Strategy)
)

// Register makes a strategy constructor available by name. Called from
// init in each strategy file.
func Register(name string, factory func() Strategy) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("strategy %q registered twice", name))
	}
	registry[name] = factory
}

// New builds a fresh instance of the named strategy.
func New(name string) (Strategy, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (available: %v)", name, Names())
	}
	return factory(), nil
}

// Names lists the registered strategies, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
