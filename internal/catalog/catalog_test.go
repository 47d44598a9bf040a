package catalog_test

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/agentloom/agentloom/internal/catalog"
	"github.com/agentloom/agentloom/pkg/models"
)

func writePresetFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "presets.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write preset file: %v", err)
	}
	return path
}

func TestBuiltinPresets(t *testing.T) {
	c := catalog.New("")
	if err := c.Load(); err != nil {
		t.Fatalf("Load() with no path error = %v", err)
	}

	if got := c.Lookup("summarizer"); got == nil {
		t.Error("Lookup(summarizer) = nil, want a builtin preset")
	}
	if got := c.Lookup("no-such-preset"); got != nil {
		t.Errorf("Lookup(no-such-preset) = %+v, want nil", got)
	}
	if c.Count() < 4 {
		t.Errorf("Count() = %d, want the builtin presets", c.Count())
	}
}

func TestLoad_MergesFileOverBuiltins(t *testing.T) {
	path := writePresetFile(t, `presets:
  - name: translator
    system_prompt: You translate text to French.
    model: gpt-4o-mini
    temperature: 0.2
    max_tokens: 800
    input_template: "Translate to French:\n\n{{input}}"
    routing_rules:
      - keywords: [translate, french]
  - name: summarizer
    system_prompt: Custom summarizer prompt.
`)

	c := catalog.New(path)
	if err := c.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	translator := c.Lookup("translator")
	if translator == nil {
		t.Fatal("Lookup(translator) = nil after Load")
	}
	if translator.Model != "gpt-4o-mini" {
		t.Errorf("translator.Model = %q, want gpt-4o-mini", translator.Model)
	}
	if translator.Temperature == nil || *translator.Temperature != 0.2 {
		t.Errorf("translator.Temperature = %v, want 0.2", translator.Temperature)
	}
	if translator.MaxTokens != 800 {
		t.Errorf("translator.MaxTokens = %d, want 800", translator.MaxTokens)
	}
	if len(translator.RoutingRules) != 1 || len(translator.RoutingRules[0].Keywords) != 2 {
		t.Errorf("translator.RoutingRules = %+v, want one rule with two keywords", translator.RoutingRules)
	}

	// The file's summarizer replaces the builtin one.
	summarizer := c.Lookup("summarizer")
	if summarizer == nil || summarizer.SystemPrompt != "Custom summarizer prompt." {
		t.Errorf("summarizer.SystemPrompt = %q, want the file override", summarizer.SystemPrompt)
	}
}

func TestLoad_SkipsUnnamedPresets(t *testing.T) {
	path := writePresetFile(t, `presets:
  - system_prompt: No name on this one.
  - name: kept
    system_prompt: Has a name.
`)

	c := catalog.New(path)
	if err := c.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Lookup("kept") == nil {
		t.Error("named preset was not loaded")
	}
	for _, preset := range c.ListAll() {
		if preset.Name == "" {
			t.Error("unnamed preset slipped into the catalog")
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	c := catalog.New(filepath.Join(t.TempDir(), "absent.yaml"))
	if err := c.Load(); err == nil {
		t.Error("Load() expected an error for a missing preset file")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writePresetFile(t, "presets: [")
	c := catalog.New(path)
	if err := c.Load(); err == nil {
		t.Error("Load() expected a parse error")
	}
}

func TestLookup_ReturnsCopy(t *testing.T) {
	c := catalog.New("")

	first := c.Lookup("classifier")
	first.SystemPrompt = "mutated"

	second := c.Lookup("classifier")
	if second.SystemPrompt == "mutated" {
		t.Error("catalog entry was mutated through a returned copy")
	}
}

func TestListAll_SortedByName(t *testing.T) {
	c := catalog.New("")
	c.Register(&models.AgentSpec{Name: "zz-last"})
	c.Register(&models.AgentSpec{Name: "aa-first"})

	all := c.ListAll()
	names := make([]string, len(all))
	for i, preset := range all {
		names[i] = preset.Name
	}
	if !sort.StringsAreSorted(names) {
		t.Errorf("ListAll() order = %v, want sorted by name", names)
	}
	if names[0] != "aa-first" {
		t.Errorf("names[0] = %q, want aa-first", names[0])
	}
}

func TestRegister_Replaces(t *testing.T) {
	c := catalog.New("")
	c.Register(&models.AgentSpec{Name: "custom", Model: "m1"})
	c.Register(&models.AgentSpec{Name: "custom", Model: "m2"})

	got := c.Lookup("custom")
	if got == nil || got.Model != "m2" {
		t.Errorf("Lookup(custom).Model = %v, want m2", got)
	}
}
