// Package config loads and caches the switchboard configuration document.
//
// The document lives in a single file (JSON or YAML, decided by extension)
// and holds agents, teams, pipelines, and runtime settings. Consumers never
// see the live document: Snapshot() returns a value copy, so a reload can
// never mutate state under a running dispatch. Updates go through Update(),
// which persists atomically (write temp + rename) and invalidates the cache.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"switchboard/pkg/logx"
)

// cacheTTL bounds how stale a served snapshot can be after an external edit.
const cacheTTL = 5 * time.Second

// AgentConfig describes one configured agent back-end.
type AgentConfig struct {
	ID              string `json:"id" yaml:"id"`
	Name            string `json:"name,omitempty" yaml:"name,omitempty"`
	Provider        string `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model           string `json:"model,omitempty" yaml:"model,omitempty"`
	WorkingDir      string `json:"workingDir,omitempty" yaml:"workingDir,omitempty"`
	SystemPrompt    string `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	PromptFile      string `json:"promptFile,omitempty" yaml:"promptFile,omitempty"`
	ReasoningEffort string `json:"reasoningEffort,omitempty" yaml:"reasoningEffort,omitempty"`
}

// PipelineConfig is an ordered agent sequence within a team.
type PipelineConfig struct {
	Sequence []string `json:"sequence" yaml:"sequence"`
	Strict   bool     `json:"strict,omitempty" yaml:"strict,omitempty"`
	MaxLoops int      `json:"maxLoops,omitempty" yaml:"maxLoops,omitempty"`
}

// TeamConfig groups agents under a leader, optionally with a pipeline.
type TeamConfig struct {
	ID       string          `json:"id" yaml:"id"`
	Name     string          `json:"name,omitempty" yaml:"name,omitempty"`
	Members  []string        `json:"members" yaml:"members"`
	Leader   string          `json:"leader" yaml:"leader"`
	Pipeline *PipelineConfig `json:"pipeline,omitempty" yaml:"pipeline,omitempty"`
}

// Settings holds runtime knobs. Zero values fall back to defaults in
// ApplyDefaults; the persisted document only needs the keys it overrides.
type Settings struct {
	Host                    string `json:"host,omitempty" yaml:"host,omitempty"`
	Port                    int    `json:"port,omitempty" yaml:"port,omitempty"`
	AuthDisabled            bool   `json:"authDisabled,omitempty" yaml:"authDisabled,omitempty"`
	APIKey                  string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	MaxRetries              int    `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	StaleAfterMs            int64  `json:"staleAfterMs,omitempty" yaml:"staleAfterMs,omitempty"`
	ConversationTimeoutMs   int64  `json:"conversationTimeoutMs,omitempty" yaml:"conversationTimeoutMs,omitempty"`
	MaxConversationMessages int    `json:"maxConversationMessages,omitempty" yaml:"maxConversationMessages,omitempty"`
	LongResponseChars       int    `json:"longResponseChars,omitempty" yaml:"longResponseChars,omitempty"`
	PruneAfterMs            int64  `json:"pruneAfterMs,omitempty" yaml:"pruneAfterMs,omitempty"`
	Workspace               string `json:"workspace,omitempty" yaml:"workspace,omitempty"`
}

// LegacyModel is the pre-teams top-level model section. When no agents are
// configured it is synthesized into a single default agent so old installs
// keep working.
type LegacyModel struct {
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`
}

// Document is the on-disk configuration shape.
type Document struct {
	Agents   map[string]AgentConfig `json:"agents,omitempty" yaml:"agents,omitempty"`
	Teams    map[string]TeamConfig  `json:"teams,omitempty" yaml:"teams,omitempty"`
	Settings Settings               `json:"settings,omitempty" yaml:"settings,omitempty"`
	Model    *LegacyModel           `json:"model,omitempty" yaml:"model,omitempty"`
}

// Snapshot is an immutable view handed to consumers. Maps are deep-copied.
type Snapshot struct {
	Agents    map[string]AgentConfig
	Teams     map[string]TeamConfig
	Settings  Settings
	Workspace string
}

// Defaults per the external interface table.
const (
	DefaultHost                = "127.0.0.1"
	DefaultPort                = 3777
	DefaultMaxRetries          = 5
	DefaultStaleAfter          = 10 * time.Minute
	DefaultConversationTimeout = 30 * time.Minute
	DefaultMaxConvMessages     = 50
	DefaultLongResponseChars   = 4000
	DefaultPruneAfter          = 24 * time.Hour
	DefaultWorkspace           = "./workspace"
)

// ApplyDefaults fills unset settings with their defaults.
func (s *Settings) ApplyDefaults() {
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = DefaultMaxRetries
	}
	if s.StaleAfterMs == 0 {
		s.StaleAfterMs = DefaultStaleAfter.Milliseconds()
	}
	if s.ConversationTimeoutMs == 0 {
		s.ConversationTimeoutMs = DefaultConversationTimeout.Milliseconds()
	}
	if s.MaxConversationMessages == 0 {
		s.MaxConversationMessages = DefaultMaxConvMessages
	}
	if s.LongResponseChars == 0 {
		s.LongResponseChars = DefaultLongResponseChars
	}
	if s.PruneAfterMs == 0 {
		s.PruneAfterMs = DefaultPruneAfter.Milliseconds()
	}
	if s.Workspace == "" {
		s.Workspace = DefaultWorkspace
	}
	if os.Getenv("SWITCHBOARD_NO_AUTH") == "1" {
		s.AuthDisabled = true
	}
}

// StaleAfter returns the stale-claim threshold as a duration.
func (s *Settings) StaleAfter() time.Duration {
	return time.Duration(s.StaleAfterMs) * time.Millisecond
}

// ConversationTimeout returns the idle conversation timeout as a duration.
func (s *Settings) ConversationTimeout() time.Duration {
	return time.Duration(s.ConversationTimeoutMs) * time.Millisecond
}

// PruneAfter returns the completed/acked retention age as a duration.
func (s *Settings) PruneAfter() time.Duration {
	return time.Duration(s.PruneAfterMs) * time.Millisecond
}

// Provider serves cached config snapshots with hot reload.
type Provider struct {
	path    string
	logger  *logx.Logger
	mu      sync.Mutex
	cached  *Snapshot
	expires time.Time
}

// NewProvider creates a provider for the document at path. The file does not
// need to exist yet; a missing file yields an empty document.
func NewProvider(path string) *Provider {
	return &Provider{
		path:   path,
		logger: logx.NewLogger("config"),
	}
}

// Path returns the document location.
func (p *Provider) Path() string {
	return p.path
}

// Invalidate drops the cached snapshot so the next read hits disk.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
}

// Snapshot returns the current configuration by value, loading from disk at
// most once per cache TTL.
func (p *Provider) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if p.cached != nil && now.Before(p.expires) {
		return p.cached.clone()
	}

	doc := p.load()
	snap := buildSnapshot(doc)
	p.cached = &snap
	p.expires = now.Add(cacheTTL)
	return snap.clone()
}

// Update applies fn to the current document, persists the result atomically,
// and invalidates the cache. Used by the control API's config CRUD.
func (p *Provider) Update(fn func(*Document) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc := p.load()
	if err := fn(&doc); err != nil {
		return err
	}
	if err := p.save(&doc); err != nil {
		return err
	}
	p.cached = nil
	return nil
}

// EnsureAPIKey generates and persists a bearer key if none is configured.
// Returns the active key ("" when auth is disabled).
func (p *Provider) EnsureAPIKey() (string, error) {
	snap := p.Snapshot()
	if snap.Settings.AuthDisabled {
		return "", nil
	}
	if snap.Settings.APIKey != "" {
		return snap.Settings.APIKey, nil
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	key := hex.EncodeToString(raw)

	if err := p.Update(func(doc *Document) error {
		doc.Settings.APIKey = key
		return nil
	}); err != nil {
		return "", err
	}
	p.logger.Info("Generated control API key (persisted to %s)", p.path)
	return key, nil
}

func (p *Provider) load() Document {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn("Failed to read config %s: %v", p.path, err)
		}
		return Document{}
	}

	doc, err := decode(p.path, data)
	if err == nil {
		return doc
	}
	p.logger.Warn("Config parse failed (%v), attempting repair", err)

	// One-shot repair: snapshot the bad file, strip the common breakages,
	// and retry. A second failure degrades to an empty document.
	bakPath := p.path + ".bak"
	if bakErr := os.WriteFile(bakPath, data, 0644); bakErr != nil {
		p.logger.Warn("Failed to snapshot bad config to %s: %v", bakPath, bakErr)
	}

	repaired := repairJSON(data)
	doc, err = decode(p.path, repaired)
	if err != nil {
		p.logger.Error("Config repair failed (%v); falling back to empty config (original saved to %s)", err, bakPath)
		return Document{}
	}

	p.logger.Warn("Config repaired; original saved to %s", bakPath)
	if writeErr := atomicWrite(p.path, repaired); writeErr != nil {
		p.logger.Warn("Failed to persist repaired config: %v", writeErr)
	}
	return doc
}

func (p *Provider) save(doc *Document) error {
	var (
		data []byte
		err  error
	)
	if isYAML(p.path) {
		data, err = yaml.Marshal(doc)
	} else {
		data, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return atomicWrite(p.path, data)
}

func decode(path string, data []byte) (Document, error) {
	var doc Document
	if isYAML(path) {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Document{}, fmt.Errorf("yaml decode: %w", err)
		}
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("json decode: %w", err)
	}
	return doc, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

var (
	lineCommentRe = regexp.MustCompile(`(?m)^\s*//.*$`)
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// repairJSON strips the two breakages hand-edited configs actually have:
// line comments and trailing commas.
func repairJSON(data []byte) []byte {
	out := lineCommentRe.ReplaceAll(data, nil)
	out = trailingComma.ReplaceAll(out, []byte("$1"))
	return out
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

func buildSnapshot(doc Document) Snapshot {
	settings := doc.Settings
	settings.ApplyDefaults()

	agents := make(map[string]AgentConfig, len(doc.Agents))
	for id, a := range doc.Agents {
		if a.ID == "" {
			a.ID = id
		}
		if a.WorkingDir == "" {
			a.WorkingDir = filepath.Join(settings.Workspace, a.ID)
		}
		agents[id] = a
	}

	// Legacy fallback: an install configured before agents existed has only
	// a top-level model section. Synthesize the implicit default agent.
	if len(agents) == 0 && doc.Model != nil {
		agents[defaultAgentID] = AgentConfig{
			ID:         defaultAgentID,
			Provider:   doc.Model.Provider,
			Model:      doc.Model.Model,
			WorkingDir: filepath.Join(settings.Workspace, defaultAgentID),
		}
	}

	teams := make(map[string]TeamConfig, len(doc.Teams))
	for id, t := range doc.Teams {
		if t.ID == "" {
			t.ID = id
		}
		teams[id] = cloneTeam(t)
	}

	return Snapshot{
		Agents:    agents,
		Teams:     teams,
		Settings:  settings,
		Workspace: settings.Workspace,
	}
}

// defaultAgentID mirrors proto.DefaultAgent without importing proto
// (proto depends on nothing; config stays a leaf as well).
const defaultAgentID = "default"

func (s Snapshot) clone() Snapshot {
	out := s
	out.Agents = make(map[string]AgentConfig, len(s.Agents))
	for k, v := range s.Agents {
		out.Agents[k] = v
	}
	out.Teams = make(map[string]TeamConfig, len(s.Teams))
	for k, v := range s.Teams {
		out.Teams[k] = cloneTeam(v)
	}
	return out
}

func cloneTeam(t TeamConfig) TeamConfig {
	out := t
	out.Members = append([]string(nil), t.Members...)
	if t.Pipeline != nil {
		pl := *t.Pipeline
		pl.Sequence = append([]string(nil), t.Pipeline.Sequence...)
		out.Pipeline = &pl
	}
	return out
}
