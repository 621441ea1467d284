// Package registry is the in-memory source of truth for fleet assets. Reads
// hand out deep copies; mutations are serialized per asset by a stripe lock
// so concurrent updates to different assets never contend. The registry
// never touches the network: probing belongs to the health engine and
// persistence to the saver attached by the composition root.
package registry

import (
	"hash/fnv"
	"sort"
	"sync"

	"go.uber.org/zap"

	"fleetd/internal/clock"
	"fleetd/internal/types"
)

const stripeCount = 16

// Registry holds typed asset records with kind and group indexes.
type Registry struct {
	clk    clock.Clock
	logger *zap.Logger

	mu      sync.RWMutex
	assets  map[string]types.Asset
	byKind  map[types.AssetKind]map[string]struct{}
	byGroup map[string]map[string]struct{}

	stripes [stripeCount]sync.Mutex

	onChange func()
}

// New returns an empty registry.
func New(clk clock.Clock, logger *zap.Logger) *Registry {
	return &Registry{
		clk:    clk,
		logger: logger.Named("registry"),
		assets: make(map[string]types.Asset),
		byKind: map[types.AssetKind]map[string]struct{}{
			types.KindBuildServer: {},
			types.KindVirtHost:    {},
			types.KindBoard:       {},
		},
		byGroup: make(map[string]map[string]struct{}),
	}
}

// SetOnChange installs the hook called after every successful mutation.
// The composition root points it at the state saver's Kick.
func (r *Registry) SetOnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Add registers a new asset. The id must be unused; kind, hostname and
// address must be set.
func (r *Registry) Add(asset types.Asset) error {
	meta := asset.Meta()
	if err := validateMeta(meta); err != nil {
		return err
	}
	stored := asset.Clone()
	sm := stored.Meta()
	now := r.clk.Now().UTC()
	if sm.CreatedAt.IsZero() {
		sm.CreatedAt = now
	}
	sm.UpdatedAt = now
	if sm.Health == "" {
		sm.Health = types.LevelUnknown
	}

	r.lockStripe(meta.ID)
	defer r.unlockStripe(meta.ID)

	r.mu.Lock()
	if _, exists := r.assets[meta.ID]; exists {
		r.mu.Unlock()
		return types.Conflictf("asset %s is already registered", meta.ID)
	}
	r.assets[meta.ID] = stored
	r.byKind[meta.Kind][meta.ID] = struct{}{}
	if sm.GroupID != "" {
		r.groupSet(sm.GroupID)[meta.ID] = struct{}{}
	}
	r.mu.Unlock()

	r.logger.Info("asset registered",
		zap.String("id", meta.ID),
		zap.String("kind", string(meta.Kind)),
		zap.String("hostname", meta.Hostname))
	r.notify()
	return nil
}

// Get returns a copy of the asset.
func (r *Registry) Get(id string) (types.Asset, error) {
	r.mu.RLock()
	asset, ok := r.assets[id]
	r.mu.RUnlock()
	if !ok {
		return nil, types.NotFoundf("asset %s", id)
	}
	return asset.Clone(), nil
}

// Update applies mutate to a private copy of the asset under the asset's
// stripe lock, bumps UpdatedAt, and stores the result. Mutate must not
// change ID or Kind.
func (r *Registry) Update(id string, mutate func(types.Asset) error) (types.Asset, error) {
	r.lockStripe(id)
	defer r.unlockStripe(id)

	r.mu.RLock()
	current, ok := r.assets[id]
	r.mu.RUnlock()
	if !ok {
		return nil, types.NotFoundf("asset %s", id)
	}

	prevGroup := current.Meta().GroupID
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	nm := next.Meta()
	if nm.ID != id {
		return nil, types.Validationf("update of %s must not change the id", id)
	}
	if nm.Kind != current.GetKind() {
		return nil, types.Validationf("update of %s must not change the kind", id)
	}
	nm.UpdatedAt = r.clk.Now().UTC()

	r.mu.Lock()
	r.assets[id] = next
	if prevGroup != nm.GroupID {
		if prevGroup != "" {
			delete(r.byGroup[prevGroup], id)
			if len(r.byGroup[prevGroup]) == 0 {
				delete(r.byGroup, prevGroup)
			}
		}
		if nm.GroupID != "" {
			r.groupSet(nm.GroupID)[id] = struct{}{}
		}
	}
	r.mu.Unlock()

	r.notify()
	return next.Clone(), nil
}

// Remove deletes the asset and returns its final state.
func (r *Registry) Remove(id string) (types.Asset, error) {
	r.lockStripe(id)
	defer r.unlockStripe(id)

	r.mu.Lock()
	asset, ok := r.assets[id]
	if !ok {
		r.mu.Unlock()
		return nil, types.NotFoundf("asset %s", id)
	}
	meta := asset.Meta()
	delete(r.assets, id)
	delete(r.byKind[meta.Kind], id)
	if meta.GroupID != "" {
		delete(r.byGroup[meta.GroupID], id)
		if len(r.byGroup[meta.GroupID]) == 0 {
			delete(r.byGroup, meta.GroupID)
		}
	}
	r.mu.Unlock()

	r.logger.Info("asset removed", zap.String("id", id), zap.String("kind", string(meta.Kind)))
	r.notify()
	return asset, nil
}

// List returns copies of every asset of the kind, ordered by id.
func (r *Registry) List(kind types.AssetKind) []types.Asset {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byKind[kind]))
	for id := range r.byKind[kind] {
		ids = append(ids, id)
	}
	out := make([]types.Asset, 0, len(ids))
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, r.assets[id].Clone())
	}
	r.mu.RUnlock()
	return out
}

// ListAll returns copies of every asset, ordered by id.
func (r *Registry) ListAll() []types.Asset {
	r.mu.RLock()
	ids := make([]string, 0, len(r.assets))
	for id := range r.assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]types.Asset, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.assets[id].Clone())
	}
	r.mu.RUnlock()
	return out
}

// ListGroup returns copies of the assets linked to the group, ordered by id.
func (r *Registry) ListGroup(groupID string) []types.Asset {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byGroup[groupID]))
	for id := range r.byGroup[groupID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]types.Asset, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.assets[id].Clone())
	}
	r.mu.RUnlock()
	return out
}

// Counts reports how many assets of each kind are registered.
func (r *Registry) Counts() map[types.AssetKind]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[types.AssetKind]int, len(r.byKind))
	for kind, set := range r.byKind {
		out[kind] = len(set)
	}
	return out
}

// Len reports the total number of registered assets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.assets)
}

// ===== Typed accessors =====

// BuildServer returns a copy of the build server with the id.
func (r *Registry) BuildServer(id string) (*types.BuildServer, error) {
	asset, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	server, ok := asset.(*types.BuildServer)
	if !ok {
		return nil, types.Validationf("asset %s is a %s, not a build server", id, asset.GetKind())
	}
	return server, nil
}

// VirtHost returns a copy of the virtualization host with the id.
func (r *Registry) VirtHost(id string) (*types.VirtHost, error) {
	asset, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	host, ok := asset.(*types.VirtHost)
	if !ok {
		return nil, types.Validationf("asset %s is a %s, not a virtualization host", id, asset.GetKind())
	}
	return host, nil
}

// Board returns a copy of the board with the id.
func (r *Registry) Board(id string) (*types.Board, error) {
	asset, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	board, ok := asset.(*types.Board)
	if !ok {
		return nil, types.Validationf("asset %s is a %s, not a board", id, asset.GetKind())
	}
	return board, nil
}

// BuildServers returns copies of all build servers, ordered by id.
func (r *Registry) BuildServers() []*types.BuildServer {
	assets := r.List(types.KindBuildServer)
	out := make([]*types.BuildServer, 0, len(assets))
	for _, a := range assets {
		out = append(out, a.(*types.BuildServer))
	}
	return out
}

// VirtHosts returns copies of all virtualization hosts, ordered by id.
func (r *Registry) VirtHosts() []*types.VirtHost {
	assets := r.List(types.KindVirtHost)
	out := make([]*types.VirtHost, 0, len(assets))
	for _, a := range assets {
		out = append(out, a.(*types.VirtHost))
	}
	return out
}

// Boards returns copies of all boards, ordered by id.
func (r *Registry) Boards() []*types.Board {
	assets := r.List(types.KindBoard)
	out := make([]*types.Board, 0, len(assets))
	for _, a := range assets {
		out = append(out, a.(*types.Board))
	}
	return out
}

// SetMaintenance toggles the maintenance flag.
func (r *Registry) SetMaintenance(id string, on bool) (types.Asset, error) {
	return r.Update(id, func(a types.Asset) error {
		a.Meta().Maintenance = on
		return nil
	})
}

// ===== internals =====

func validateMeta(meta *types.AssetMeta) error {
	if meta.ID == "" {
		return types.Validationf("asset needs an id")
	}
	if !meta.Kind.Valid() {
		return types.Validationf("asset %s has unknown kind %q", meta.ID, meta.Kind)
	}
	if meta.Hostname == "" {
		return types.Validationf("asset %s needs a hostname", meta.ID)
	}
	if meta.Address == "" {
		return types.Validationf("asset %s needs an address", meta.ID)
	}
	return nil
}

func (r *Registry) lockStripe(id string) {
	r.stripes[stripeFor(id)].Lock()
}

func (r *Registry) unlockStripe(id string) {
	r.stripes[stripeFor(id)].Unlock()
}

func stripeFor(id string) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % stripeCount)
}

func (r *Registry) groupSet(groupID string) map[string]struct{} {
	set, ok := r.byGroup[groupID]
	if !ok {
		set = make(map[string]struct{})
		r.byGroup[groupID] = set
	}
	return set
}

func (r *Registry) notify() {
	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()
	if fn != nil {
		fn()
	}
}
