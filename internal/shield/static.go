package shield

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// staticUserEntry is one row of the YAML-backed directory file.
type staticUserEntry struct {
	UserID              string `yaml:"user_id"`
	RealDeliveryAddress string `yaml:"real_delivery_address"`
	Active              bool   `yaml:"active"`
	Shields             []struct {
		Prefix string `yaml:"prefix"`
		Domain string `yaml:"domain"`
		Active bool   `yaml:"active"`
	} `yaml:"shields"`
}

type staticDirectoryFile struct {
	Users []staticUserEntry `yaml:"users"`
}

// StaticDirectory is a read-only, in-memory Directory loaded from a YAML
// file, suitable for a single-instance deployment without a separate
// user-management service. Larger deployments implement Directory against
// their own store; this package only depends on the interface.
type StaticDirectory struct {
	mu      sync.RWMutex
	shields map[string]ShieldAddress
	users   map[string]User
}

// NewStaticDirectoryFromFile loads a directory from path.
func NewStaticDirectoryFromFile(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("shield: read directory file %s: %w", path, err)
	}

	var file staticDirectoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("shield: parse directory file %s: %w", path, err)
	}

	d := &StaticDirectory{
		shields: map[string]ShieldAddress{},
		users:   map[string]User{},
	}

	for _, u := range file.Users {
		d.users[u.UserID] = User{ID: u.UserID, RealDeliveryAddress: u.RealDeliveryAddress, Active: u.Active}
		for _, s := range u.Shields {
			key := directoryKey(s.Prefix, s.Domain)
			d.shields[key] = ShieldAddress{Prefix: s.Prefix, Domain: s.Domain, UserID: u.UserID, Active: s.Active}
		}
	}

	return d, nil
}

func directoryKey(prefix, domain string) string {
	return strings.ToLower(prefix) + "@" + strings.ToLower(domain)
}

// LookupShield implements Directory.
func (d *StaticDirectory) LookupShield(_ context.Context, prefix, domain string) (ShieldAddress, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.shields[directoryKey(prefix, domain)]
	return s, ok, nil
}

// LookupUser implements Directory.
func (d *StaticDirectory) LookupUser(_ context.Context, userID string) (User, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	return u, ok, nil
}
