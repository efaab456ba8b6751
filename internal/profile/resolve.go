package profile

import (
	"cmp"
	"os"

	"github.com/matheus3301/chatmerge/internal/config"
)

// DefaultName is the profile used when nothing selects another.
const DefaultName = "main"

// Resolve picks the profile a command acts on. An explicit --profile wins,
// then CHATMERGE_PROFILE, then default_profile from config.toml, then
// DefaultName. An unreadable config counts as unset.
func Resolve(flagValue string) string {
	if name := cmp.Or(flagValue, os.Getenv("CHATMERGE_PROFILE")); name != "" {
		return name
	}
	if cfg, err := config.Load(ConfigPath()); err == nil {
		return cmp.Or(cfg.DefaultProfile, DefaultName)
	}
	return DefaultName
}
