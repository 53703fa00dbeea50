package config

// AuthMode enumerates how a group key is attached to outbound service calls.
const (
	AuthModeHeader = "header"
	AuthModeQuery  = "query"
)

// DefaultAuthName is the query parameter Google Cloud APIs read the key from.
const DefaultAuthName = "key"

// Config represents the full keyreg configuration surface.
type Config struct {
	Groups    []KeyGroup `yaml:"groups" json:"groups"`
	Endpoints []Endpoint `yaml:"endpoints" json:"endpoints"`
}

// KeyGroup is a named credential permitted to serve a set of services.
// Lower Priority values are preferred; an empty Key makes the group unusable.
type KeyGroup struct {
	Name     string   `yaml:"name" json:"name"`
	Key      string   `yaml:"key" json:"key,omitempty"`
	KeyEnv   string   `yaml:"keyEnv" json:"keyEnv,omitempty"`
	Services []string `yaml:"services" json:"services"`
	Priority int      `yaml:"priority" json:"priority"`
}

// Serves reports whether the group lists service.
func (g KeyGroup) Serves(service string) bool {
	for _, s := range g.Services {
		if s == service {
			return true
		}
	}
	return false
}

// Usable reports whether the group carries a credential.
func (g KeyGroup) Usable() bool {
	return g.Key != ""
}

// Endpoint describes where the cloud client for a service lives.
type Endpoint struct {
	Service   string      `yaml:"service" json:"service"`
	BaseURL   string      `yaml:"baseUrl" json:"baseUrl"`
	ProbePath string      `yaml:"probePath" json:"probePath,omitempty"`
	Auth      *AuthConfig `yaml:"auth" json:"auth,omitempty"`
}

// AuthConfig parameterizes how to inject the group key per endpoint.
type AuthConfig struct {
	Mode   string `yaml:"mode" json:"mode"`
	Name   string `yaml:"name" json:"name"`
	Prefix string `yaml:"prefix" json:"prefix,omitempty"`
}

// Redacted returns a copy of c with every group key masked.
func (c *Config) Redacted() *Config {
	if c == nil {
		return nil
	}
	out := c.clone()
	for i := range out.Groups {
		if out.Groups[i].Key != "" {
			out.Groups[i].Key = "********"
		}
	}
	return out
}
