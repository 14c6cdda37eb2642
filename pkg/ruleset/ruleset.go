package ruleset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Rule overrides the asset allow-list of one theme profile.
//
// Directories are regular expression fragments matched right after the host,
// e.g. `media/catalog/product/cache/` or `static/version\d+/frontend/`.
// Extensions are literal file extensions without the dot.
type Rule struct {
	Theme       ThemeProfile `yaml:"theme"`
	Domains     []string     `yaml:"domains,omitempty"`
	Directories []string     `yaml:"directories"`
	Extensions  []string     `yaml:"extensions,omitempty"`
}

type RuleSet []Rule

var (
	defaultExtensions = []string{"jpg", "jpeg", "gif", "png", "webp", "svg"}

	lumaDirectories = []string{
		`media/catalog/product/cache/`,
		`media/wysiwyg/`,
		`pub/media/catalog/product/`,
		`pub/media/wysiwyg/`,
		`static/version\d+/frontend/`,
		`static/frontend/`,
	}

	customDirectories = []string{
		`media/`,
		`pub/media/`,
		`static/version\d+/frontend/`,
		`static/frontend/`,
	}
)

// Defaults returns the built-in rule of every theme profile.
func Defaults() RuleSet {
	return RuleSet{
		{Theme: DefaultLayout, Directories: lumaDirectories, Extensions: defaultExtensions},
		{Theme: CustomLayout, Directories: customDirectories, Extensions: defaultExtensions},
	}
}

// Merge returns the defaults with every profile named in rs replaced by the
// rules of rs. Several rules for the same profile are combined.
func (rs RuleSet) Merge() RuleSet {
	overridden := map[ThemeProfile]bool{}
	for _, r := range rs {
		overridden[r.Theme] = true
	}

	var merged RuleSet
	for _, d := range Defaults() {
		if !overridden[d.Theme] {
			merged = append(merged, d)
		}
	}
	return append(merged, rs...)
}

// ForTheme returns the rules that apply to the given profile.
func (rs RuleSet) ForTheme(t ThemeProfile) RuleSet {
	var out RuleSet
	for _, r := range rs {
		if r.Theme == t {
			out = append(out, r)
		}
	}
	return out
}

func (rs RuleSet) Count() int {
	return len(rs)
}

func (rs RuleSet) Domains() []string {
	var domains []string
	for _, r := range rs {
		domains = append(domains, r.Domains...)
	}
	return domains
}

// LoadRuleset reads every .yml/.yaml file found under the semicolon separated
// list of files or directories in rulePaths.
func LoadRuleset(rulePaths string) (RuleSet, error) {
	if strings.TrimSpace(rulePaths) == "" {
		return RuleSet{}, nil
	}

	var ruleSet RuleSet
	var errs []error

	for _, rulePath := range strings.Split(rulePaths, ";") {
		trimmedPath := strings.TrimSpace(rulePath)
		if trimmedPath == "" {
			continue
		}

		var rules RuleSet
		err := filepath.Walk(trimmedPath, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() || !(strings.HasSuffix(path, ".yml") || strings.HasSuffix(path, ".yaml")) {
				return nil
			}

			yamlFile, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read rules file '%s': %w", path, err)
			}
			var r RuleSet
			if err := yaml.Unmarshal(yamlFile, &r); err != nil {
				return fmt.Errorf("syntax error in rules file '%s': %w", path, err)
			}
			rules = append(rules, r...)
			return nil
		})

		if err != nil {
			errs = append(errs, fmt.Errorf("failed to load rules from '%s': %w", trimmedPath, err))
		} else {
			ruleSet = append(ruleSet, rules...)
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("errors while loading rulesets: %w", errors.Join(errs...))
	}

	log.WithField("rules", ruleSet.Count()).Info("loaded ruleset")
	return ruleSet, nil
}
