// Package catalog provides a library of named agent presets.
//
// The catalog merges two data sources:
//
//  1. **Built-in defaults** — a small set of ready-made agents so the
//     engine is usable out of the box.
//
//  2. **Preset file** — a YAML file (AGENTLOOM_CATALOG_PATH) with
//     user-defined agent specs. File entries override builtins of the
//     same name.
//
// The catalog exposes a thread-safe in-memory lookup used by the HTTP
// handlers: requests may name a preset instead of spelling out a full
// agent spec.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/agentloom/agentloom/pkg/models"
)

// presetFile is the YAML document shape of a preset file.
type presetFile struct {
	Presets []models.AgentSpec `yaml:"presets"`
}

// Catalog is a thread-safe library of named agent presets.
type Catalog struct {
	mu      sync.RWMutex
	presets map[string]*models.AgentSpec
	path    string
}

// New creates a catalog holding the built-in presets. Call Load to
// merge the preset file at path (empty path = builtins only).
func New(path string) *Catalog {
	c := &Catalog{
		presets: make(map[string]*models.AgentSpec),
		path:    path,
	}
	c.loadBuiltinDefaults()
	return c
}

// Load reads the preset file and merges its entries over the builtins.
// Calling it again re-reads the file, so edits can be picked up without
// a restart.
func (c *Catalog) Load() error {
	if c.path == "" {
		return nil
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read preset file: %w", err)
	}

	var file presetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse preset file %s: %w", c.path, err)
	}

	c.mu.Lock()
	loaded := 0
	for i := range file.Presets {
		preset := file.Presets[i]
		if preset.Name == "" {
			log.Warn().Str("path", c.path).Msg("Catalog: skipping preset without a name")
			continue
		}
		c.presets[preset.Name] = &preset
		loaded++
	}
	c.mu.Unlock()

	log.Info().Int("presets", loaded).Str("path", c.path).Msg("Catalog: loaded preset file")
	return nil
}

// Lookup returns the preset registered under name, or nil.
func (c *Catalog) Lookup(name string) *models.AgentSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	preset, ok := c.presets[name]
	if !ok {
		return nil
	}
	copy := *preset
	return &copy
}

// ListAll returns every preset, sorted by name.
func (c *Catalog) ListAll() []*models.AgentSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*models.AgentSpec, 0, len(c.presets))
	for _, preset := range c.presets {
		copy := *preset
		result = append(result, &copy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Register adds or replaces a preset.
func (c *Catalog) Register(preset *models.AgentSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy := *preset
	c.presets[preset.Name] = &copy
}

// Count returns the number of registered presets.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.presets)
}

// ── Built-in Defaults ───────────────────────────────────────

func floatPtr(v float64) *float64 { return &v }

// loadBuiltinDefaults registers a small set of general-purpose agents so
// the catalog is useful without any preset file.
func (c *Catalog) loadBuiltinDefaults() {
	defaults := []*models.AgentSpec{
		{
			Name:         "summarizer",
			SystemPrompt: "You summarize text. Produce a concise summary that keeps the key facts and drops filler.",
			Temperature:  floatPtr(0.3),
			MaxTokens:    500,
		},
		{
			Name:         "classifier",
			SystemPrompt: "You classify requests. Reply with a single category label and nothing else.",
			Temperature:  floatPtr(0.0),
			MaxTokens:    20,
		},
		{
			Name:         "drafter",
			SystemPrompt: "You write first drafts. Favor clear structure over polish.",
			Temperature:  floatPtr(0.8),
		},
		{
			Name:          "critic",
			SystemPrompt:  "You review drafts. List concrete problems and suggest fixes, most important first.",
			InputTemplate: "Review the following draft:\n\n{{input}}",
			Temperature:   floatPtr(0.2),
		},
	}

	c.mu.Lock()
	for _, d := range defaults {
		c.presets[d.Name] = d
	}
	c.mu.Unlock()
}
