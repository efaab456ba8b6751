package profile

import (
	"fmt"
	"regexp"
)

var validName = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects names that cannot serve as a profile directory.
// Profile names are 1 to 64 characters of lowercase letters, digits, '-'
// and '_', so they are safe as path components on every platform.
func ValidateName(name string) error {
	if validName.MatchString(name) {
		return nil
	}
	return fmt.Errorf("profile %q: names are 1 to 64 lowercase letters, digits, '-' or '_'", name)
}
