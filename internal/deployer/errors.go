package deployer

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/narvanalabs/deploybot/internal/models"
)

// ErrInvalidRequest is returned for malformed refs, shas, or users.
// Not retried.
var ErrInvalidRequest = errors.New("invalid deployment request")

// refPattern excludes the characters git rejects in ref names.
var refPattern = regexp.MustCompile(`^[^\s~^:?*\[\\]+$`)

func validRef(ref string) bool {
	return ref != "" && !strings.Contains(ref, "..") && refPattern.MatchString(ref)
}

// AutoDeployConflictError reports a manual deploy to an environment
// owned by continuous delivery. Callers may explicitly skip the check.
type AutoDeployConflictError struct {
	Environment *models.Environment
}

func (e *AutoDeployConflictError) Error() string {
	return fmt.Sprintf("environment %s is auto-deployed", e.Environment.Name)
}
