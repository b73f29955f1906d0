// ABOUTME: File-backed shop directory holding assistant personality, provider choice and policies
// ABOUTME: Loads a TOML file with environment variable expansion

package shops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// ErrUnknownShop is returned when a shop has no entry in the directory
var ErrUnknownShop = errors.New("unknown shop")

// Settings is one shop's assistant configuration
type Settings struct {
	Domain             string   `toml:"domain"`
	BotName            string   `toml:"bot_name"`
	Tone               string   `toml:"tone"`
	CustomInstructions string   `toml:"custom_instructions"`
	WelcomeMessage     string   `toml:"welcome_message"`
	PreferredProvider  string   `toml:"preferred_provider"`
	FallbackProvider   string   `toml:"fallback_provider"`
	Temperature        float64  `toml:"temperature"`
	MaxTokens          int      `toml:"max_tokens"`
	PolicyTypes        []string `toml:"policy_types"`
	Policies           []Policy `toml:"policy"`
}

// Policy is a store policy written in markdown
type Policy struct {
	Type   string `toml:"type"`
	Title  string `toml:"title"`
	Body   string `toml:"body"`
	Active bool   `toml:"active"`
}

type file struct {
	Shops []Settings `toml:"shop"`
}

// Directory resolves shop settings by domain.
type Directory struct {
	mu     sync.RWMutex
	path   string
	shops  map[string]Settings
	logger *slog.Logger
}

// NewDirectory creates a directory from in-memory settings. Pass nil logger for default.
func NewDirectory(shops []Settings, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Directory{
		shops:  make(map[string]Settings, len(shops)),
		logger: logger.With("component", "shops"),
	}
	d.replace(shops)
	return d
}

// Load reads a shops TOML file. Environment variables in the ${VAR} form are expanded.
func Load(path string, logger *slog.Logger) (*Directory, error) {
	shops, err := readFile(path)
	if err != nil {
		return nil, err
	}
	d := NewDirectory(shops, logger)
	d.path = path
	d.logger.Info("loaded shops", "path", path, "count", len(shops))
	return d, nil
}

func readFile(path string) ([]Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading shops file: %w", err)
	}

	var f file
	if _, err := toml.Decode(expandEnvVars(string(data)), &f); err != nil {
		return nil, fmt.Errorf("parsing shops file: %w", err)
	}

	for i, s := range f.Shops {
		if strings.TrimSpace(s.Domain) == "" {
			return nil, fmt.Errorf("shop %d: domain is required", i)
		}
	}
	return f.Shops, nil
}

// Reload re-reads the file the directory was loaded from. The previous
// settings stay in place if the file is invalid.
func (d *Directory) Reload() error {
	if d.path == "" {
		return nil
	}
	shops, err := readFile(d.path)
	if err != nil {
		return err
	}
	d.replace(shops)
	d.logger.Info("reloaded shops", "count", len(shops))
	return nil
}

func (d *Directory) replace(shops []Settings) {
	m := make(map[string]Settings, len(shops))
	for _, s := range shops {
		m[strings.ToLower(s.Domain)] = s
	}
	d.mu.Lock()
	d.shops = m
	d.mu.Unlock()
}

// Settings returns the settings for shop.
func (d *Directory) Settings(ctx context.Context, shop string) (*Settings, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s, ok := d.shops[strings.ToLower(shop)]
	if !ok {
		return nil, ErrUnknownShop
	}
	return &s, nil
}

// Policies returns the shop's active policies whose type is in types.
// An empty types list returns every active policy.
func (d *Directory) Policies(ctx context.Context, shop string, types []string) ([]Policy, error) {
	s, err := d.Settings(ctx, shop)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[strings.ToLower(t)] = true
	}

	var result []Policy
	for _, p := range s.Policies {
		if !p.Active {
			continue
		}
		if len(want) > 0 && !want[strings.ToLower(p.Type)] {
			continue
		}
		result = append(result, p)
	}
	return result, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}
