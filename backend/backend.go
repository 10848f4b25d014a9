// Package backend provides the registry of signing backend providers,
// the backend configuration and the engine assembly from configuration.
//
// Providers register themselves on import:
//
//	import (
//		_ "github.com/effective-security/xtoken/backend/awskmsbackend"
//		_ "github.com/effective-security/xtoken/backend/localbackend"
//	)
package backend

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/jwt"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "backend")

// Loader creates SigningBackend from configuration
type Loader func(ctx context.Context, cfg *Config) (jwt.SigningBackend, error)

var (
	lockLoaders sync.RWMutex
	loaders     = make(map[string]Loader)
)

// Register backend loader by provider name
func Register(provider string, loader Loader) error {
	lockLoaders.Lock()
	defer lockLoaders.Unlock()

	if _, ok := loaders[provider]; ok {
		return jwt.NewError(jwt.KindBadConfig, "already registered: %s", provider)
	}

	loaders[provider] = loader
	return nil
}

// Unregister backend loader by provider name
func Unregister(provider string) (Loader, error) {
	lockLoaders.Lock()
	defer lockLoaders.Unlock()

	if loader, ok := loaders[provider]; ok {
		delete(loaders, provider)
		return loader, nil
	}

	return nil, jwt.NewError(jwt.KindBadConfig, "not registered: %s", provider)
}

// Registered returns sorted names of registered providers
func Registered() []string {
	lockLoaders.RLock()
	defer lockLoaders.RUnlock()

	list := make([]string, 0, len(loaders))
	for m := range loaders {
		list = append(list, m)
	}
	sort.Strings(list)
	return list
}

func loaderFor(provider string) (Loader, bool) {
	lockLoaders.RLock()
	defer lockLoaders.RUnlock()

	if loader, ok := loaders[provider]; ok {
		return loader, true
	}
	// provider names are case insensitive
	for name, loader := range loaders {
		if strings.EqualFold(name, provider) {
			return loader, true
		}
	}
	return nil, false
}

// Load returns SigningBackend for the configured provider
func Load(ctx context.Context, cfg *Config) (jwt.SigningBackend, error) {
	if cfg == nil {
		return nil, jwt.NewError(jwt.KindBadConfig, "backend configuration not provided")
	}
	if cfg.Provider == "" {
		return nil, jwt.NewError(jwt.KindBadConfig, "backend provider not specified")
	}

	loader, ok := loaderFor(cfg.Provider)
	if !ok {
		return nil, jwt.NewError(jwt.KindBadConfig, "backend provider not registered: %q", cfg.Provider)
	}

	b, err := loader(ctx, cfg)
	if err != nil {
		logger.KV(xlog.ERROR, "provider", cfg.Provider, "err", err.Error())
		return nil, err
	}

	logger.KV(xlog.INFO,
		"provider", cfg.Provider,
		"backend", b.Name(),
		"enabled", b.Enabled(),
	)
	return b, nil
}
