package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config is the umbrella configuration object holding every registry.
// This is the primary object returned by Initialize() and used throughout
// the application. Registries swap their maps atomically on reload, so a
// *Config handed out at startup stays valid for the process lifetime.
type Config struct {
	configDir string

	Engine *EngineConfig

	Handlers       *HandlerRegistry
	Brokers        *BrokerRegistry
	InputChannels  *ChannelRegistry
	OutputChannels *ChannelRegistry
	Ingesters      *IngesterRegistry
	Chains         *ChainRegistry
}

// Stats contains counts of loaded configuration for logging and health.
type Stats struct {
	HandlerFiles   int
	Brokers        int
	InputChannels  int
	OutputChannels int
	Ingesters      int
	Chains         int
}

// Initialize loads all configuration registries from configDir.
//
// Layout: config/{handlers,brokers,input-channels,output-channels,
// ingesters,chains}/*.json. Missing directories load as empty registries so
// a minimal deployment only needs the pieces it uses.
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := &Config{
		configDir:      configDir,
		Engine:         DefaultEngineConfig(),
		Handlers:       NewHandlerRegistry(filepath.Join(configDir, "handlers")),
		Brokers:        NewBrokerRegistry(filepath.Join(configDir, "brokers")),
		InputChannels:  NewChannelRegistry(filepath.Join(configDir, "input-channels")),
		OutputChannels: NewChannelRegistry(filepath.Join(configDir, "output-channels")),
		Ingesters:      NewIngesterRegistry(filepath.Join(configDir, "ingesters")),
		Chains:         NewChainRegistry(filepath.Join(configDir, "chains")),
	}

	for name, r := range cfg.registries() {
		if err := r.Reload(); err != nil {
			return nil, fmt.Errorf("loading %s registry: %w", name, err)
		}
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized",
		"handler_files", stats.HandlerFiles,
		"brokers", stats.Brokers,
		"input_channels", stats.InputChannels,
		"output_channels", stats.OutputChannels,
		"ingesters", stats.Ingesters,
		"chains", stats.Chains)

	return cfg, nil
}

// Reloadable is the contract every registry exposes to the auto-reloader.
type Reloadable interface {
	Dir() string
	Reload() error
}

// registries maps registry names to their Reloadable handles.
func (c *Config) registries() map[string]Reloadable {
	return map[string]Reloadable{
		"handlers":        c.Handlers,
		"brokers":         c.Brokers,
		"input-channels":  c.InputChannels,
		"output-channels": c.OutputChannels,
		"ingesters":       c.Ingesters,
		"chains":          c.Chains,
	}
}

// RegisterAll registers every registry directory with the auto-reloader.
func (c *Config) RegisterAll(r *AutoReloader) {
	for name, reg := range c.registries() {
		r.Register(name, reg)
	}
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Stats returns configuration statistics for logging and the health endpoint.
func (c *Config) Stats() Stats {
	return Stats{
		HandlerFiles:   c.Handlers.Len(),
		Brokers:        c.Brokers.Len(),
		InputChannels:  c.InputChannels.Len(),
		OutputChannels: c.OutputChannels.Len(),
		Ingesters:      c.Ingesters.Len(),
		Chains:         c.Chains.Len(),
	}
}

// readJSONFile reads one config file, expands environment variables, and
// decodes into target.
func readJSONFile(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	data = ExpandEnv(data)

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidJSON, path, err)
	}
	return nil
}

// listJSONFiles returns the *.json entries of dir. A missing directory is
// an empty listing, not an error.
func listJSONFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}

// idFromPath derives a registry id from a config file name.
func idFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".json")
}

// --- Handler registry ---

// HandlerRegistry holds handler configurations, one file per user keyed by
// request type, with DefaultHandlerFile as the fallback file.
type HandlerRegistry struct {
	dir string

	mu    sync.RWMutex
	files map[string]map[string]*HandlerConfig // user → request_type → config
}

// NewHandlerRegistry creates an empty handler registry rooted at dir.
func NewHandlerRegistry(dir string) *HandlerRegistry {
	return &HandlerRegistry{dir: dir, files: make(map[string]map[string]*HandlerConfig)}
}

// Dir returns the watched directory.
func (r *HandlerRegistry) Dir() string { return r.dir }

// Reload rebuilds the registry from disk. On failure the previous maps stay
// installed.
func (r *HandlerRegistry) Reload() error {
	paths, err := listJSONFiles(r.dir)
	if err != nil {
		return err
	}

	files := make(map[string]map[string]*HandlerConfig, len(paths))
	for _, path := range paths {
		var raw map[string]*HandlerConfig
		if err := readJSONFile(path, &raw); err != nil {
			return NewLoadError(path, err)
		}
		user := idFromPath(path)
		byType := make(map[string]*HandlerConfig, len(raw))
		for requestType, hc := range raw {
			key := strings.ToUpper(strings.TrimSpace(requestType))
			if hc.RequestType == "" {
				hc.RequestType = key
			}
			if hc.HandlerClass == "" {
				return NewValidationError("handler", user+"/"+key, "handler_class", ErrInvalidReference)
			}
			byType[key] = hc
		}
		files[user] = byType
	}

	r.mu.Lock()
	r.files = files
	r.mu.Unlock()
	return nil
}

// Resolve finds the handler config for a request type, preferring the user's
// file and falling back to the default file. Disabled entries resolve to
// ErrDisabled so callers can distinguish "configured off" from "missing".
func (r *HandlerRegistry) Resolve(userID, requestType string) (*HandlerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := strings.ToUpper(strings.TrimSpace(requestType))
	for _, file := range []string{userID, DefaultHandlerFile} {
		if file == "" {
			continue
		}
		if hc, ok := r.files[file][key]; ok {
			if !hc.Enabled {
				return nil, fmt.Errorf("%w: %s for user %s", ErrDisabled, key, file)
			}
			return hc, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, key)
}

// RequestTypes returns the union of configured request types across files.
func (r *HandlerRegistry) RequestTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for _, byType := range r.files {
		for requestType := range byType {
			seen[requestType] = true
		}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	return types
}

// Len returns the number of loaded handler files.
func (r *HandlerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.files)
}

// --- Broker registry ---

// BrokerRegistry holds broker definitions keyed by id.
type BrokerRegistry struct {
	dir string

	mu      sync.RWMutex
	brokers map[string]*BrokerConfig
}

// NewBrokerRegistry creates an empty broker registry rooted at dir.
func NewBrokerRegistry(dir string) *BrokerRegistry {
	return &BrokerRegistry{dir: dir, brokers: make(map[string]*BrokerConfig)}
}

// Dir returns the watched directory.
func (r *BrokerRegistry) Dir() string { return r.dir }

// Reload rebuilds the registry from disk.
func (r *BrokerRegistry) Reload() error {
	paths, err := listJSONFiles(r.dir)
	if err != nil {
		return err
	}

	brokers := make(map[string]*BrokerConfig, len(paths))
	for _, path := range paths {
		var bc BrokerConfig
		if err := readJSONFile(path, &bc); err != nil {
			return NewLoadError(path, err)
		}
		bc.ID = idFromPath(path)
		if !bc.BrokerType().IsValid() {
			return NewValidationError("broker", bc.ID, "type",
				fmt.Errorf("unsupported broker type %q", bc.Type))
		}
		brokers[bc.ID] = &bc
	}

	r.mu.Lock()
	r.brokers = brokers
	r.mu.Unlock()
	return nil
}

// Get retrieves a broker definition by id.
func (r *BrokerRegistry) Get(id string) (*BrokerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bc, ok := r.brokers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBrokerNotFound, id)
	}
	return bc, nil
}

// Len returns the number of loaded brokers.
func (r *BrokerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.brokers)
}

// --- Channel registry ---

// ChannelRegistry holds channel definitions keyed by id. Used for both
// input-channels and output-channels directories.
type ChannelRegistry struct {
	dir string

	mu       sync.RWMutex
	channels map[string]*ChannelConfig
}

// NewChannelRegistry creates an empty channel registry rooted at dir.
func NewChannelRegistry(dir string) *ChannelRegistry {
	return &ChannelRegistry{dir: dir, channels: make(map[string]*ChannelConfig)}
}

// Dir returns the watched directory.
func (r *ChannelRegistry) Dir() string { return r.dir }

// Reload rebuilds the registry from disk.
func (r *ChannelRegistry) Reload() error {
	paths, err := listJSONFiles(r.dir)
	if err != nil {
		return err
	}

	channels := make(map[string]*ChannelConfig, len(paths))
	for _, path := range paths {
		var cc ChannelConfig
		if err := readJSONFile(path, &cc); err != nil {
			return NewLoadError(path, err)
		}
		cc.ID = idFromPath(path)
		if cc.Broker == "" {
			return NewValidationError("channel", cc.ID, "broker", ErrInvalidReference)
		}
		channels[cc.ID] = &cc
	}

	r.mu.Lock()
	r.channels = channels
	r.mu.Unlock()
	return nil
}

// Get retrieves a channel definition by id.
func (r *ChannelRegistry) Get(id string) (*ChannelConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cc, ok := r.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	return cc, nil
}

// IDs returns the loaded channel ids.
func (r *ChannelRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of loaded channels.
func (r *ChannelRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// --- Ingester registry ---

// IngesterRegistry holds ingester definitions keyed by id.
type IngesterRegistry struct {
	dir string

	mu        sync.RWMutex
	ingesters map[string]*IngesterConfig
}

// NewIngesterRegistry creates an empty ingester registry rooted at dir.
func NewIngesterRegistry(dir string) *IngesterRegistry {
	return &IngesterRegistry{dir: dir, ingesters: make(map[string]*IngesterConfig)}
}

// Dir returns the watched directory.
func (r *IngesterRegistry) Dir() string { return r.dir }

// Reload rebuilds the registry from disk.
func (r *IngesterRegistry) Reload() error {
	paths, err := listJSONFiles(r.dir)
	if err != nil {
		return err
	}

	ingesters := make(map[string]*IngesterConfig, len(paths))
	for _, path := range paths {
		var ic IngesterConfig
		if err := readJSONFile(path, &ic); err != nil {
			return NewLoadError(path, err)
		}
		ic.ID = idFromPath(path)
		if ic.InputChannel == "" {
			return NewValidationError("ingester", ic.ID, "input_channel", ErrInvalidReference)
		}
		ingesters[ic.ID] = &ic
	}

	r.mu.Lock()
	r.ingesters = ingesters
	r.mu.Unlock()
	return nil
}

// Get retrieves an ingester definition by id.
func (r *IngesterRegistry) Get(id string) (*IngesterConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ic, ok := r.ingesters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIngesterNotFound, id)
	}
	return ic, nil
}

// All returns a snapshot of every ingester definition.
func (r *IngesterRegistry) All() []*IngesterConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*IngesterConfig, 0, len(r.ingesters))
	for _, ic := range r.ingesters {
		all = append(all, ic)
	}
	return all
}

// Len returns the number of loaded ingesters.
func (r *IngesterRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ingesters)
}

// --- Chain registry ---

// ChainRegistry holds chain definitions keyed by id.
type ChainRegistry struct {
	dir string

	mu     sync.RWMutex
	chains map[string]*ChainConfig
}

// NewChainRegistry creates an empty chain registry rooted at dir.
func NewChainRegistry(dir string) *ChainRegistry {
	return &ChainRegistry{dir: dir, chains: make(map[string]*ChainConfig)}
}

// Dir returns the watched directory.
func (r *ChainRegistry) Dir() string { return r.dir }

// Reload rebuilds the registry from disk.
func (r *ChainRegistry) Reload() error {
	paths, err := listJSONFiles(r.dir)
	if err != nil {
		return err
	}

	chains := make(map[string]*ChainConfig, len(paths))
	for _, path := range paths {
		var ch ChainConfig
		if err := readJSONFile(path, &ch); err != nil {
			return NewLoadError(path, err)
		}
		ch.ID = idFromPath(path)
		if len(ch.Stages) == 0 {
			return NewValidationError("chain", ch.ID, "stages", ErrInvalidReference)
		}
		chains[ch.ID] = &ch
	}

	r.mu.Lock()
	r.chains = chains
	r.mu.Unlock()
	return nil
}

// Get retrieves a chain definition by id.
func (r *ChainRegistry) Get(id string) (*ChainConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.chains[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChainNotFound, id)
	}
	return ch, nil
}

// Len returns the number of loaded chains.
func (r *ChainRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chains)
}
