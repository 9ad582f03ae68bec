// Package profile keeps the crawl profiles the frontier resolves by handle.
package profile

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
)

// Handles of the built-in profiles.
const (
	Default            = "default"
	Global             = "global"
	Remote             = "remote"
	SnippetLocalText   = "snippetLocalText"
	SnippetGlobalText  = "snippetGlobalText"
	SnippetLocalMedia  = "snippetLocalMedia"
	SnippetGlobalMedia = "snippetGlobalMedia"
)

// Registry is a concurrency-safe map of profiles keyed by handle.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*crawler.Profile
}

// NewRegistry returns a registry seeded with the built-in profiles.
// defaultDepth sets the depth limit of the default crawl profile.
func NewRegistry(defaultDepth int, respectRobots bool) *Registry {
	r := &Registry{profiles: make(map[string]*crawler.Profile)}
	for _, p := range builtins(defaultDepth, respectRobots) {
		r.profiles[p.Handle] = p
	}
	return r
}

func builtins(defaultDepth int, respectRobots bool) []*crawler.Profile {
	return []*crawler.Profile{
		{Handle: Default, Name: "default", DepthLimit: defaultDepth, URLFilter: ".*", RemoteIndexing: false, RespectRobots: respectRobots},
		{Handle: Global, Name: "global", DepthLimit: defaultDepth, URLFilter: ".*", RemoteIndexing: true, RespectRobots: respectRobots},
		{Handle: Remote, Name: "remote", DepthLimit: 0, URLFilter: ".*", RemoteIndexing: false, RespectRobots: respectRobots},
		{Handle: SnippetLocalText, Name: "snippetLocalText", URLFilter: ".*", RespectRobots: respectRobots},
		{Handle: SnippetGlobalText, Name: "snippetGlobalText", URLFilter: ".*", RespectRobots: respectRobots},
		{Handle: SnippetLocalMedia, Name: "snippetLocalMedia", URLFilter: ".*", RespectRobots: respectRobots},
		{Handle: SnippetGlobalMedia, Name: "snippetGlobalMedia", URLFilter: ".*", RespectRobots: respectRobots},
	}
}

// SnippetHandle picks the snippet profile for a synchronous load.
func SnippetHandle(forText, global bool) string {
	switch {
	case forText && global:
		return SnippetGlobalText
	case forText:
		return SnippetLocalText
	case global:
		return SnippetGlobalMedia
	default:
		return SnippetLocalMedia
	}
}

// Get implements crawler.ProfileRegistry.
func (r *Registry) Get(handle string) (*crawler.Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[handle]
	return p, ok
}

// Put adds or replaces a profile.
func (r *Registry) Put(p *crawler.Profile) error {
	if p == nil || p.Handle == "" {
		return errors.New("profile handle is required")
	}
	if p.DepthLimit < 0 {
		return fmt.Errorf("profile %s: depth limit must be >= 0", p.Handle)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.Handle] = p
	return nil
}

// Remove deletes a profile. Entries that still reference it are dropped when popped.
func (r *Registry) Remove(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.profiles, handle)
}

// List returns every profile sorted by handle.
func (r *Registry) List() []*crawler.Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*crawler.Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}
