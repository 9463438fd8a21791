package repoclone

import (
	"fmt"
	"path/filepath"
	"strings"

	apperrors "github.com/crewdock/crewdock/internal/common/errors"
)

// Transports accepted for repository URLs.
var urlPrefixes = []string{
	"https://",
	"http://",
	"ssh://",
	"git://",
	"git@",
	"file://",
}

// ValidateURL checks that a repository URL uses a transport git can clone
// from. Absolute local paths are accepted so previews can run against
// repositories that only exist on this host.
func ValidateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return apperrors.BadRequest("repository url is empty")
	}
	for _, prefix := range urlPrefixes {
		if strings.HasPrefix(raw, prefix) {
			return nil
		}
	}
	if filepath.IsAbs(raw) {
		return nil
	}
	return apperrors.BadRequest(fmt.Sprintf("unsupported repository url %q", raw))
}
