// Package identity resolves a stable name for this process instance.
package identity

import (
	"os"
	"sync"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

const appID = "execution-core"

var (
	once     sync.Once
	instance string
)

// InstanceID returns a stable per-host identifier, hashed with the app id so the
// raw machine id is never exposed. Falls back to the hostname, then a random id.
func InstanceID() string {
	once.Do(func() {
		instance = resolve(machineid.ProtectedID, os.Hostname)
	})
	return instance
}

func resolve(machine func(string) (string, error), hostname func() (string, error)) string {
	if id, err := machine(appID); err == nil && id != "" {
		if len(id) > 16 {
			id = id[:16]
		}
		return id
	}
	if h, err := hostname(); err == nil && h != "" {
		return h
	}
	return uuid.NewString()
}

// OwnerToken identifies one lock holder: the instance plus a unique suffix.
func OwnerToken() string {
	return InstanceID() + "/" + uuid.NewString()
}
