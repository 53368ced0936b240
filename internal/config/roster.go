package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Identity is one bot account the broadcaster can speak through.
type Identity struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// Roster is the list of broadcast identities, in priority order. The first
// identity speaks for posts whose author is unknown.
type Roster struct {
	Identities []Identity `yaml:"identities"`
}

// LoadRoster reads a roster file. ${VAR} references are expanded before the
// YAML is parsed so tokens can stay in the environment.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("cannot read roster %s: %w", path, err)
	}
	return ParseRoster([]byte(ExpandEnvVars(string(data))))
}

func ParseRoster(data []byte) (*Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("cannot parse roster: %w", err)
	}

	var errs []string
	seen := make(map[string]bool)
	for i, id := range r.Identities {
		name := strings.TrimSpace(id.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Sprintf("identities[%d]: name is required", i))
		case seen[name]:
			errs = append(errs, fmt.Sprintf("identities[%d]: duplicate name %q", i, name))
		}
		seen[name] = true
		if strings.TrimSpace(id.Token) == "" || strings.HasPrefix(id.Token, "${") {
			errs = append(errs, fmt.Sprintf("identities[%d]: token is missing or unresolved", i))
		}
		r.Identities[i].Name = name
	}
	if len(r.Identities) == 0 {
		errs = append(errs, "roster lists no identities")
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("roster validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return &r, nil
}

// Names returns identity names in roster order.
func (r *Roster) Names() []string {
	names := make([]string, len(r.Identities))
	for i, id := range r.Identities {
		names[i] = id.Name
	}
	return names
}
