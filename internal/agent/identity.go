package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/host"
	"gopkg.in/yaml.v3"

	"github.com/edvin/dbvault/internal/platform"
)

// IdentityFile stores the agent identity in the data directory.
const IdentityFile = "agent.yaml"

// machineNamespace seeds the machine-derived agent ids.
var machineNamespace = uuid.MustParse("6f1c3f0e-5b7a-4d1e-9c27-8a4f2e9d0b13")

// Identity is what the agent reports about itself when it registers.
type Identity struct {
	AgentID    string `yaml:"agent_id"`
	DeviceName string `yaml:"device_name"`
	Hostname   string `yaml:"-"`
	Platform   string `yaml:"-"`
}

// HostFacts are the host properties the identity is derived from.
type HostFacts struct {
	HostID   string
	Hostname string
	Platform string
}

// DetectHost reads the host facts through gopsutil. Fields that cannot be
// determined are left empty or fall back to the runtime.
func DetectHost(ctx context.Context) HostFacts {
	facts := HostFacts{Platform: runtime.GOOS}
	if info, err := host.InfoWithContext(ctx); err == nil {
		facts.HostID = info.HostID
		facts.Hostname = info.Hostname
		if info.OS != "" {
			facts.Platform = info.OS
		}
	}
	if facts.Hostname == "" {
		facts.Hostname, _ = os.Hostname()
	}
	return facts
}

// LoadIdentity returns the identity kept in dataDir, creating it on first
// start. A new id is derived from the machine id when one is available so a
// reinstall on the same machine keeps its registration; otherwise a random id
// is persisted.
func LoadIdentity(dataDir string, facts HostFacts) (*Identity, error) {
	path := filepath.Join(dataDir, IdentityFile)

	id := &Identity{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, id); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	id.Hostname = facts.Hostname
	id.Platform = facts.Platform

	dirty := false
	if !platform.IsUUID(id.AgentID) {
		id.AgentID = deriveAgentID(facts.HostID)
		dirty = true
	}
	if id.DeviceName == "" {
		id.DeviceName = facts.Hostname
		if id.DeviceName == "" {
			id.DeviceName = "backup-agent"
		}
		dirty = true
	}

	if dirty {
		if err := saveIdentity(path, id); err != nil {
			return nil, err
		}
	}
	return id, nil
}

func deriveAgentID(hostID string) string {
	hostID = strings.TrimSpace(hostID)
	if hostID == "" {
		return platform.NewID()
	}
	return uuid.NewSHA1(machineNamespace, []byte(strings.ToLower(hostID))).String()
}

func saveIdentity(path string, id *Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	data, err := yaml.Marshal(id)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
