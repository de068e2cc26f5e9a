package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Backend selects the git client implementation
type Backend string

const (
	BackendGoGit Backend = "go-git"
	BackendShell Backend = "shell"
)

// SymlinkPolicy defines how symbolic links are treated when diffing trees
type SymlinkPolicy string

const (
	SymlinksFile SymlinkPolicy = "file"
	SymlinksSkip SymlinkPolicy = "skip"
)

// Defaults applied by Load when the corresponding field is empty
const (
	DefaultBranch       = "refs/heads/my_branch"
	DefaultMessage      = "chore: add missing template files"
	DefaultRemote       = "origin"
	DefaultAuthorName   = "tmplsync"
	DefaultAuthorEmail  = "tmplsync@users.noreply.github.com"
	DefaultExclude      = `\.git$`
	DefaultCloneTimeout = 5 * time.Minute
	DefaultPushTimeout  = 2 * time.Minute
)

// Error reports a configuration problem that makes the whole run untrustworthy
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error (%s): %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config represents the complete tmplsync configuration
type Config struct {
	Entries []Entry     `yaml:"entries" toml:"entries"`
	Git     GitConfig   `yaml:"git" toml:"git"`
	Sync    SyncConfig  `yaml:"sync" toml:"sync"`
	Auth    AuthConfig  `yaml:"auth" toml:"auth"`
	Paths   PathsConfig `yaml:"paths" toml:"paths"`
	Serve   ServeConfig `yaml:"serve" toml:"serve"`
}

// Entry pairs a template directory with the repositories it is propagated to.
// When TemplateRepo is set the template is cloned from it on every run and
// Template names a directory inside that clone.
type Entry struct {
	Template     string   `yaml:"template" toml:"template"`
	TemplateRepo string   `yaml:"template_repo" toml:"template_repo"`
	Repos        []string `yaml:"repos" toml:"repos"`
}

// Label identifies the entry's template in logs and reports
func (e Entry) Label() string {
	if e.TemplateRepo == "" {
		return e.Template
	}
	if e.Template == "" {
		return e.TemplateRepo
	}
	return e.TemplateRepo + "//" + e.Template
}

// GitConfig configures how propagated files are committed and pushed
type GitConfig struct {
	Backend     Backend `yaml:"backend" toml:"backend"`
	Branch      string  `yaml:"branch" toml:"branch"`
	Message     string  `yaml:"message" toml:"message"`
	Remote      string  `yaml:"remote" toml:"remote"`
	AuthorName  string  `yaml:"author_name" toml:"author_name"`
	AuthorEmail string  `yaml:"author_email" toml:"author_email"`
	ForcePush   bool    `yaml:"force_push" toml:"force_push"`
}

// SyncConfig configures diffing and the per-repository pipeline
type SyncConfig struct {
	Exclude      []string      `yaml:"exclude" toml:"exclude"`
	Symlinks     SymlinkPolicy `yaml:"symlinks" toml:"symlinks"`
	Concurrency  int           `yaml:"concurrency" toml:"concurrency"`
	FailFast     bool          `yaml:"fail_fast" toml:"fail_fast"`
	CloneTimeout time.Duration `yaml:"clone_timeout" toml:"clone_timeout"`
	PushTimeout  time.Duration `yaml:"push_timeout" toml:"push_timeout"`
}

// AuthConfig configures the transient access token injected into repository URLs
type AuthConfig struct {
	TokenFile string   `yaml:"token_file" toml:"token_file"`
	Hosts     []string `yaml:"hosts" toml:"hosts"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	WorkDir     string `yaml:"work_dir" toml:"work_dir"`
	ReportFile  string `yaml:"report_file" toml:"report_file"`
	MetricsFile string `yaml:"metrics_file" toml:"metrics_file"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	ListenAddr              string   `yaml:"listen_addr" toml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file" toml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types" toml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs" toml:"allowed_refs"`
}

// Load reads and parses the configuration file. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: fmt.Errorf("failed to read config file: %w", err)}
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, &Error{Path: path, Err: fmt.Errorf("failed to parse config file: %w", err)}
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, &Error{Path: path, Err: fmt.Errorf("failed to parse config file: %w", err)}
		}
	}

	cfg.expandEnv()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, &Error{Path: path, Err: fmt.Errorf("invalid configuration: %w", err)}
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	for i := range c.Entries {
		c.Entries[i].Template = os.ExpandEnv(c.Entries[i].Template)
		c.Entries[i].TemplateRepo = os.ExpandEnv(c.Entries[i].TemplateRepo)
		for j := range c.Entries[i].Repos {
			c.Entries[i].Repos[j] = os.ExpandEnv(c.Entries[i].Repos[j])
		}
	}
	c.Git.Branch = os.ExpandEnv(c.Git.Branch)
	c.Git.Message = os.ExpandEnv(c.Git.Message)
	c.Auth.TokenFile = os.ExpandEnv(c.Auth.TokenFile)
	c.Paths.WorkDir = os.ExpandEnv(c.Paths.WorkDir)
	c.Paths.ReportFile = os.ExpandEnv(c.Paths.ReportFile)
	c.Paths.MetricsFile = os.ExpandEnv(c.Paths.MetricsFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// ApplyDefaults fills in zero-value fields with sensible defaults
func (c *Config) ApplyDefaults() {
	if c.Git.Backend == "" {
		c.Git.Backend = BackendGoGit
	}
	if c.Git.Branch == "" {
		c.Git.Branch = DefaultBranch
	}
	if !strings.HasPrefix(c.Git.Branch, "refs/") {
		c.Git.Branch = "refs/heads/" + c.Git.Branch
	}
	if c.Git.Message == "" {
		c.Git.Message = DefaultMessage
	}
	if c.Git.Remote == "" {
		c.Git.Remote = DefaultRemote
	}
	if c.Git.AuthorName == "" {
		c.Git.AuthorName = DefaultAuthorName
	}
	if c.Git.AuthorEmail == "" {
		c.Git.AuthorEmail = DefaultAuthorEmail
	}
	if c.Sync.Exclude == nil {
		c.Sync.Exclude = []string{DefaultExclude}
	}
	if c.Sync.Symlinks == "" {
		c.Sync.Symlinks = SymlinksFile
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 1
	}
	if c.Sync.CloneTimeout == 0 {
		c.Sync.CloneTimeout = DefaultCloneTimeout
	}
	if c.Sync.PushTimeout == 0 {
		c.Sync.PushTimeout = DefaultPushTimeout
	}
	if len(c.Auth.Hosts) == 0 {
		c.Auth.Hosts = []string{"github.com"}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if len(c.Entries) == 0 {
		return errors.New("at least one entry is required")
	}
	for i, e := range c.Entries {
		switch {
		case e.TemplateRepo == "" && e.Template == "":
			return fmt.Errorf("entries[%d].template is required", i)
		case e.TemplateRepo != "" && e.Template != "" && !filepath.IsLocal(e.Template):
			return fmt.Errorf("entries[%d].template must be a relative path inside template_repo: %s", i, e.Template)
		}
		if len(e.Repos) == 0 {
			return fmt.Errorf("entries[%d].repos must list at least one repository", i)
		}
		for j, r := range e.Repos {
			if strings.TrimSpace(r) == "" {
				return fmt.Errorf("entries[%d].repos[%d] is empty", i, j)
			}
		}
	}

	switch c.Git.Backend {
	case BackendGoGit, BackendShell:
		// valid
	default:
		return fmt.Errorf("invalid git.backend: %s (must be go-git or shell)", c.Git.Backend)
	}

	if !strings.HasPrefix(c.Git.Branch, "refs/heads/") || c.Git.Branch == "refs/heads/" {
		return fmt.Errorf("git.branch must name a branch: %s", c.Git.Branch)
	}

	switch c.Sync.Symlinks {
	case SymlinksFile, SymlinksSkip:
		// valid
	default:
		return fmt.Errorf("invalid sync.symlinks policy: %s (must be file or skip)", c.Sync.Symlinks)
	}

	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1, got %d", c.Sync.Concurrency)
	}
	if c.Sync.CloneTimeout < 0 || c.Sync.PushTimeout < 0 {
		return errors.New("sync timeouts must not be negative")
	}

	for _, pattern := range c.Sync.Exclude {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid sync.exclude pattern %q: %w", pattern, err)
		}
	}

	return nil
}

// ValidateServe checks the settings required by the webhook server
func (c *Config) ValidateServe() error {
	if c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required")
	}
	if c.Serve.GitHubWebhookSecretFile == "" {
		return fmt.Errorf("serve.github_webhook_secret_file is required")
	}
	return nil
}

// RepositoryCount returns the number of repositories across all entries
func (c *Config) RepositoryCount() int {
	n := 0
	for _, e := range c.Entries {
		n += len(e.Repos)
	}
	return n
}
