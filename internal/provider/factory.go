package provider

import (
	"fmt"
	"sort"
	"sync"

	"chatcore/internal/domain"
)

// Constructor creates an emote provider on top of the shared client.
type Constructor func(c *Client) domain.EmoteProvider

// Factory creates and caches emote providers by name.
type Factory struct {
	client       *Client
	constructors map[string]Constructor
	cache        map[string]domain.EmoteProvider
	mu           sync.RWMutex
}

// NewFactory creates a factory with the third-party providers registered.
func NewFactory(client *Client) *Factory {
	if client == nil {
		client = NewClient(Client{})
	}
	f := &Factory{
		client:       client,
		constructors: make(map[string]Constructor),
		cache:        make(map[string]domain.EmoteProvider),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a provider constructor by name.
func (f *Factory) RegisterConstructor(name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
	delete(f.cache, name)
}

func (f *Factory) registerDefaults() {
	f.constructors["7tv"] = func(c *Client) domain.EmoteProvider { return NewSevenTV(SevenTVConfig{Client: c}) }
	f.constructors["bttv"] = func(c *Client) domain.EmoteProvider { return NewBTTV(BTTVConfig{Client: c}) }
	f.constructors["ffz"] = func(c *Client) domain.EmoteProvider { return NewFFZ(FFZConfig{Client: c}) }
}

// Get returns the provider registered under name, building it once.
func (f *Factory) Get(name string) (domain.EmoteProvider, error) {
	f.mu.RLock()
	if p, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return p, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.cache[name]; ok {
		return p, nil
	}
	ctor, ok := f.constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown emote provider %q (available: %v)", name, f.namesLocked())
	}
	p := ctor(f.client)
	f.cache[name] = p
	return p, nil
}

// Build resolves names in order, failing on the first unknown one.
func (f *Factory) Build(names []string) ([]domain.EmoteProvider, error) {
	out := make([]domain.EmoteProvider, 0, len(names))
	for _, n := range names {
		p, err := f.Get(n)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Names lists the registered providers.
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.namesLocked()
}

func (f *Factory) namesLocked() []string {
	names := make([]string, 0, len(f.constructors))
	for n := range f.constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
