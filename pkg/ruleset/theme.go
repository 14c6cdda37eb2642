package ruleset

import (
	"fmt"
	"strings"
)

// ThemeProfile selects which directory allow-list counts as rewritable assets.
type ThemeProfile int

const (
	// DefaultLayout is the stock Luma storefront layout.
	DefaultLayout ThemeProfile = iota
	// CustomLayout covers custom themes that keep sliders and banners under the media tree.
	CustomLayout
)

// ParseThemeProfile accepts the profile name or its numeric form ("0", "1").
func ParseThemeProfile(s string) (ThemeProfile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "default", "luma":
		return DefaultLayout, nil
	case "1", "custom":
		return CustomLayout, nil
	}
	return 0, fmt.Errorf("unknown theme profile '%s'", s)
}

func (t ThemeProfile) String() string {
	switch t {
	case DefaultLayout:
		return "default"
	case CustomLayout:
		return "custom"
	default:
		return fmt.Sprintf("ThemeProfile(%d)", int(t))
	}
}

func (t ThemeProfile) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *ThemeProfile) UnmarshalText(b []byte) error {
	p, err := ParseThemeProfile(string(b))
	if err != nil {
		return err
	}
	*t = p
	return nil
}
