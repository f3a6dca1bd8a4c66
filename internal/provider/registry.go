package provider

import (
	"fmt"
	"sort"
	"sync"

	appErr "github.com/skystack/engine/pkg/errors"
	"github.com/skystack/engine/pkg/logger"
	"go.uber.org/zap"
)

// Constructor builds a fresh provider instance bound to one job's Context.
type Constructor func(pc Context) (Provider, error)

// The registry is process-wide, populated at startup, and read-mostly
// afterwards. Registration is explicit: a consumer adds a new cloud family
// by registering a constructor, never by modifying the factory.
var (
	regMu    sync.RWMutex
	registry = map[string]Constructor{}
)

// Register adds a provider constructor under an identifier such as
// "terraform-aws" or "native-aws". Registering the same identifier twice
// panics; that is a programming error at startup, not a runtime condition.
func Register(id string, c Constructor) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[id]; dup {
		panic(fmt.Sprintf("provider %q registered twice", id))
	}
	registry[id] = c
	logger.L().Info("provider registered", zap.String("provider_id", id))
}

// New resolves an identifier to a fresh provider instance. No caching:
// credentials and region can differ per call even for the same identifier.
func New(id string, pc Context) (Provider, error) {
	regMu.RLock()
	c, ok := registry[id]
	regMu.RUnlock()
	if !ok {
		return nil, appErr.New(appErr.CodeConfiguration,
			fmt.Sprintf("provider %q is not registered (available: %v)", id, Registered()))
	}
	p, err := c(pc)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeConfiguration,
			fmt.Sprintf("initialize provider %q failed", id))
	}
	return p, nil
}

// Registered returns the sorted identifiers of all registered providers.
func Registered() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for id := range registry {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// reset clears the registry; tests only.
func reset() {
	regMu.Lock()
	defer regMu.Unlock()
	registry = map[string]Constructor{}
}
