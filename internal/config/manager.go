package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Manager stores the parsed key group table and provides concurrent-safe lookups.
type Manager struct {
	mu   sync.RWMutex
	data *resolvedConfig
}

// resolvedConfig is an indexed representation of Config for fast lookups.
type resolvedConfig struct {
	raw       *Config
	endpoints map[string]Endpoint
}

// NewManager constructs an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// LoadFromFile parses the YAML at path and, if valid, swaps it into the manager.
func (m *Manager) LoadFromFile(path string) error {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	cfg, err := parse(bytes)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = cfg
	return nil
}

// Current returns a copy of the sanitized configuration for inspection.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil || m.data.raw == nil {
		return nil
	}
	return m.data.raw.clone()
}

// ResolveGroupForService picks the preferred usable group for service from
// the currently loaded table. It has no side effects.
func (m *Manager) ResolveGroupForService(service string) (KeyGroup, bool) {
	m.mu.RLock()
	data := m.data
	m.mu.RUnlock()

	if data == nil || service == "" {
		return KeyGroup{}, false
	}
	return ResolveGroup(data.raw.Groups, service)
}

// Endpoint returns the client endpoint configured for service.
func (m *Manager) Endpoint(service string) (Endpoint, error) {
	if service == "" {
		return Endpoint{}, ErrServiceRequired
	}

	m.mu.RLock()
	data := m.data
	m.mu.RUnlock()

	if data == nil {
		return Endpoint{}, ErrConfigNotLoaded
	}
	ep, ok := data.endpoints[service]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w for service '%s'", ErrEndpointNotFound, service)
	}
	return ep, nil
}

// ListServices returns all unique service names listed by any group.
func (m *Manager) ListServices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, g := range m.data.raw.Groups {
		for _, svc := range g.Services {
			seen[svc] = struct{}{}
		}
	}
	list := make([]string, 0, len(seen))
	for svc := range seen {
		list = append(list, svc)
	}
	sort.Strings(list)
	return list
}

// ResolveGroup filters groups to those serving service with a non-empty key
// and returns the one with the lowest priority. Ties go to the group declared
// first.
func ResolveGroup(groups []KeyGroup, service string) (KeyGroup, bool) {
	eligible := make([]KeyGroup, 0, len(groups))
	for _, g := range groups {
		if g.Usable() && g.Serves(service) {
			eligible = append(eligible, g)
		}
	}
	if len(eligible) == 0 {
		return KeyGroup{}, false
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Priority < eligible[j].Priority
	})
	return eligible[0], true
}

// ParseYAML validates the provided configuration payload and returns the sanitized Config.
func ParseYAML(b []byte) (*Config, error) {
	resolved, err := parse(b)
	if err != nil {
		return nil, err
	}
	return resolved.raw.clone(), nil
}

func parse(b []byte) (*resolvedConfig, error) {
	var raw Config
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	names := make(map[string]struct{}, len(raw.Groups))
	for i, g := range raw.Groups {
		name := strings.TrimSpace(g.Name)
		if name == "" {
			return nil, fmt.Errorf("groups[%d]: name is required", i)
		}
		if _, exists := names[name]; exists {
			return nil, fmt.Errorf("group name '%s' duplicated", name)
		}
		names[name] = struct{}{}

		key := strings.TrimSpace(g.Key)
		keyEnv := strings.TrimSpace(g.KeyEnv)
		if key == "" && keyEnv != "" {
			key = strings.TrimSpace(os.Getenv(keyEnv))
		}

		seen := make(map[string]struct{}, len(g.Services))
		services := make([]string, 0, len(g.Services))
		for j, svc := range g.Services {
			svc = strings.TrimSpace(svc)
			if svc == "" {
				return nil, fmt.Errorf("group '%s' services[%d]: service name must not be empty", name, j)
			}
			if _, dup := seen[svc]; dup {
				continue
			}
			seen[svc] = struct{}{}
			services = append(services, svc)
		}

		raw.Groups[i] = KeyGroup{
			Name:     name,
			Key:      key,
			KeyEnv:   keyEnv,
			Services: services,
			Priority: g.Priority,
		}
	}

	endpoints := make(map[string]Endpoint, len(raw.Endpoints))
	for i, ep := range raw.Endpoints {
		svc := strings.TrimSpace(ep.Service)
		if svc == "" {
			return nil, fmt.Errorf("endpoints[%d]: service is required", i)
		}
		if _, exists := endpoints[svc]; exists {
			return nil, fmt.Errorf("endpoint for service '%s' duplicated", svc)
		}
		baseURL := strings.TrimSpace(ep.BaseURL)
		if baseURL == "" {
			return nil, fmt.Errorf("endpoint '%s': baseUrl is required", svc)
		}
		u, err := url.Parse(baseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("endpoint '%s': baseUrl must be an absolute url", svc)
		}

		sanitized := Endpoint{
			Service:   svc,
			BaseURL:   baseURL,
			ProbePath: strings.TrimSpace(ep.ProbePath),
		}
		auth := AuthConfig{Mode: AuthModeQuery, Name: DefaultAuthName}
		if ep.Auth != nil {
			auth = *ep.Auth
			mode := strings.TrimSpace(auth.Mode)
			if mode == "" {
				mode = AuthModeQuery
			}
			if mode != AuthModeHeader && mode != AuthModeQuery {
				return nil, fmt.Errorf("endpoint '%s': unsupported auth mode '%s'", svc, ep.Auth.Mode)
			}
			auth.Mode = mode
			auth.Name = strings.TrimSpace(auth.Name)
			if auth.Name == "" {
				if mode == AuthModeHeader {
					return nil, fmt.Errorf("endpoint '%s': auth.name is required for header mode", svc)
				}
				auth.Name = DefaultAuthName
			}
		}
		sanitized.Auth = &auth
		endpoints[svc] = sanitized
		raw.Endpoints[i] = sanitized
	}

	return &resolvedConfig{
		raw:       &raw,
		endpoints: endpoints,
	}, nil
}

func (c *Config) clone() *Config {
	out := Config{
		Groups:    make([]KeyGroup, len(c.Groups)),
		Endpoints: make([]Endpoint, len(c.Endpoints)),
	}
	for i, g := range c.Groups {
		g.Services = append([]string(nil), g.Services...)
		out.Groups[i] = g
	}
	for i, ep := range c.Endpoints {
		if ep.Auth != nil {
			auth := *ep.Auth
			ep.Auth = &auth
		}
		out.Endpoints[i] = ep
	}
	return &out
}
