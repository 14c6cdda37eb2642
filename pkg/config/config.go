package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/andesco/imgladder/pkg/ruleset"
)

// RewriteConfig is the rewriting policy shared read-only by every request.
// It is built once at startup and passed by value.
type RewriteConfig struct {
	Quality  int
	LazyLoad bool
	Theme    ruleset.ThemeProfile
}

// NewRewriteConfig validates quality and returns the policy value.
func NewRewriteConfig(quality int, lazyLoad bool, theme ruleset.ThemeProfile) (RewriteConfig, error) {
	if quality < 1 || quality > 100 {
		return RewriteConfig{}, fmt.Errorf("image quality must be between 1 and 100, got %d", quality)
	}
	return RewriteConfig{Quality: quality, LazyLoad: lazyLoad, Theme: theme}, nil
}

// Settings is the full process configuration.
type Settings struct {
	Listen         string   `yaml:"listen"`
	Origin         string   `yaml:"origin"`
	PreserveHost   bool     `yaml:"preserveHost"`
	Quality        int      `yaml:"quality"`
	LazyLoad       bool     `yaml:"lazyLoad"`
	Theme          string   `yaml:"theme"`
	Ruleset        string   `yaml:"ruleset,omitempty"`
	AdminPaths     []string `yaml:"adminPaths"`
	ProxyGuard     bool     `yaml:"proxyGuard"`
	AllowedDomains []string `yaml:"allowedDomains,omitempty"`
	Timeout        int      `yaml:"timeout"`
	LogLevel       string   `yaml:"logLevel"`
	LogFormat      string   `yaml:"logFormat"`
	ExposeRuleset  bool     `yaml:"exposeRuleset"`
	InternalPrefix string   `yaml:"internalPrefix"`
}

// DefaultAdminPaths are the storefront admin prefixes that are never rewritten.
var DefaultAdminPaths = []string{"/admin", "/admin_", "/index.php/admin", "/index.php/admin_"}

func Default() Settings {
	return Settings{
		Listen:         ":8080",
		PreserveHost:   true,
		Quality:        90,
		Theme:          ruleset.CustomLayout.String(),
		AdminPaths:     append([]string(nil), DefaultAdminPaths...),
		ProxyGuard:     true,
		Timeout:        15,
		LogLevel:       "info",
		LogFormat:      "auto",
		ExposeRuleset:  true,
		InternalPrefix: "/_imgladder/",
	}
}

// Load returns the defaults overlaid with the YAML file at path (when not
// empty) and then with the environment.
func Load(path string) (Settings, error) {
	s := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return s, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		if err := yaml.Unmarshal(b, &s); err != nil {
			return s, fmt.Errorf("syntax error in config file '%s': %w", path, err)
		}
	}

	if err := s.applyEnv(os.LookupEnv); err != nil {
		return s, err
	}
	return s, nil
}

// FromEnv returns the defaults overlaid with the variables found by lookup.
// It serves runtimes without a process environment or filesystem.
func FromEnv(lookup func(string) (string, bool)) (Settings, error) {
	s := Default()
	if err := s.applyEnv(lookup); err != nil {
		return s, err
	}
	return s, nil
}

func (s *Settings) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitList(v)
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s '%s': %w", key, v, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s '%s': %w", key, v, err))
				return
			}
			*dst = b
		}
	}

	str("ORIGIN_URL", &s.Origin)
	if port, ok := lookup("PORT"); ok && port != "" {
		s.Listen = ":" + strings.TrimPrefix(port, ":")
	}
	integer("IMAGE_QUALITY", &s.Quality)
	boolean("IMAGE_LAZY_LOAD", &s.LazyLoad)
	str("MAGENTO_THEME", &s.Theme)
	str("RULESET", &s.Ruleset)
	list("ADMIN_PATHS", &s.AdminPaths)
	boolean("PROXY_GUARD", &s.ProxyGuard)
	list("ALLOWED_DOMAINS", &s.AllowedDomains)
	integer("HTTP_TIMEOUT", &s.Timeout)
	boolean("PRESERVE_HOST", &s.PreserveHost)
	str("LOG_LEVEL", &s.LogLevel)
	str("LOG_FORMAT", &s.LogFormat)
	boolean("EXPOSE_RULESET", &s.ExposeRuleset)

	return errors.Join(errs...)
}

// Validate checks the settings that cannot be defaulted.
func (s Settings) Validate() error {
	if s.Origin == "" {
		return errors.New("origin URL is required (ORIGIN_URL or --origin)")
	}
	if _, err := s.OriginURL(); err != nil {
		return err
	}
	if _, err := s.RewriteConfig(); err != nil {
		return err
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", s.Timeout)
	}
	if !strings.HasPrefix(s.InternalPrefix, "/") || !strings.HasSuffix(s.InternalPrefix, "/") {
		return fmt.Errorf("internal prefix must start and end with '/', got '%s'", s.InternalPrefix)
	}
	return nil
}

// OriginURL parses the origin, which must be an absolute http(s) URL.
func (s Settings) OriginURL() (*url.URL, error) {
	u, err := url.Parse(s.Origin)
	if err != nil {
		return nil, fmt.Errorf("error parsing origin URL '%s': %w", s.Origin, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("origin URL '%s' must be absolute http(s)", s.Origin)
	}
	return u, nil
}

// AnyDomain in AllowedDomains lifts the host restriction.
const AnyDomain = "*"

// AssetDomains returns the hosts whose images and resize targets count as the
// storefront's own: AllowedDomains when set, otherwise the origin host. It
// returns nil, meaning any host, when AllowedDomains holds AnyDomain.
func (s Settings) AssetDomains() []string {
	for _, d := range s.AllowedDomains {
		if d == AnyDomain {
			return nil
		}
	}
	if len(s.AllowedDomains) > 0 {
		return append([]string(nil), s.AllowedDomains...)
	}
	if u, err := s.OriginURL(); err == nil {
		return []string{u.Hostname()}
	}
	return nil
}

func (s Settings) RewriteConfig() (RewriteConfig, error) {
	theme, err := ruleset.ParseThemeProfile(s.Theme)
	if err != nil {
		return RewriteConfig{}, err
	}
	return NewRewriteConfig(s.Quality, s.LazyLoad, theme)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
