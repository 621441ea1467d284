package registry

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"fleetd/internal/state"
	"fleetd/internal/types"
)

// State file names under the state directory. Records hold metadata only;
// credentials stay in configuration as named references.
const (
	buildServersFile = "build_servers.json"
	hostsFile        = "hosts.json"
	boardsFile       = "boards.json"
)

// Save writes the current assets as per-kind JSON files.
func (r *Registry) Save(dir string) error {
	servers := make(map[string]*types.BuildServer)
	for _, s := range r.BuildServers() {
		servers[s.ID] = s
	}
	hosts := make(map[string]*types.VirtHost)
	for _, h := range r.VirtHosts() {
		hosts[h.ID] = h
	}
	boards := make(map[string]*types.Board)
	for _, b := range r.Boards() {
		boards[b.ID] = b
	}

	if err := state.SaveJSON(filepath.Join(dir, buildServersFile), servers); err != nil {
		return err
	}
	if err := state.SaveJSON(filepath.Join(dir, hostsFile), hosts); err != nil {
		return err
	}
	return state.SaveJSON(filepath.Join(dir, boardsFile), boards)
}

// LoadDir reads the per-kind state files. Missing files mean an empty fleet,
// not an error; that is every first boot.
func LoadDir(dir string) ([]types.Asset, error) {
	var out []types.Asset

	servers := make(map[string]*types.BuildServer)
	if err := state.LoadJSON(filepath.Join(dir, buildServersFile), &servers); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, s := range servers {
		out = append(out, s)
	}

	hosts := make(map[string]*types.VirtHost)
	if err := state.LoadJSON(filepath.Join(dir, hostsFile), &hosts); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, h := range hosts {
		out = append(out, h)
	}

	boards := make(map[string]*types.Board)
	if err := state.LoadJSON(filepath.Join(dir, boardsFile), &boards); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, b := range boards {
		out = append(out, b)
	}
	return out, nil
}

// Restore seeds the registry from replayed state, keeping recorded
// timestamps. Used once at boot before any loop starts.
func (r *Registry) Restore(assets []types.Asset) error {
	for _, asset := range assets {
		meta := asset.Meta()
		if err := validateMeta(meta); err != nil {
			return err
		}
		stored := asset.Clone()

		r.mu.Lock()
		if _, exists := r.assets[meta.ID]; exists {
			r.mu.Unlock()
			return types.Conflictf("state replay: asset %s appears twice", meta.ID)
		}
		r.assets[meta.ID] = stored
		r.byKind[meta.Kind][meta.ID] = struct{}{}
		if meta.GroupID != "" {
			r.groupSet(meta.GroupID)[meta.ID] = struct{}{}
		}
		r.mu.Unlock()
	}
	r.logger.Info("state replayed", zap.Int("assets", len(assets)))
	return nil
}
