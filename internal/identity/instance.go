package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// InstanceIDFileName is the file under the data dir that pins the instance id
// across restarts.
const InstanceIDFileName = "instance_id"

// Instance identifies this process in audit rows and logs. Several
// instances can share one peer store.
type Instance struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Label is the configured name, or a short form of the id.
func (i Instance) Label() string {
	if i.Name != "" {
		return i.Name
	}
	return "peergate-" + i.ID[:8]
}

// GetOrCreate loads the instance id from dataDir, generating and saving a
// new one on first start.
func GetOrCreate(dataDir, name string) (*Instance, error) {
	path := filepath.Join(filepath.Clean(dataDir), InstanceIDFileName)

	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		id := strings.TrimSpace(string(content))
		if _, perr := uuid.Parse(id); perr != nil {
			return nil, fmt.Errorf("instance id file %s is corrupt: %w", path, perr)
		}
		return &Instance{ID: id, Name: name}, nil
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read instance id file: %w", err)
	}

	inst := &Instance{ID: uuid.NewString(), Name: name}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(inst.ID+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write instance id file: %w", err)
	}
	return inst, nil
}
