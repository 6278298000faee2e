package models

import (
	"fmt"
	"regexp"
	"strings"
)

// Repository identifies a GitHub repository as "owner/name".
type Repository string

var repositoryPattern = regexp.MustCompile(`^[\w.-]+/[\w.-]+$`)

// ParseRepository validates and returns a Repository.
func ParseRepository(s string) (Repository, error) {
	if !repositoryPattern.MatchString(s) {
		return "", fmt.Errorf("invalid repository %q: expected owner/name", s)
	}
	return Repository(s), nil
}

// Owner returns the owner half of the repository identifier.
func (r Repository) Owner() string {
	owner, _, _ := strings.Cut(string(r), "/")
	return owner
}

// Name returns the name half of the repository identifier.
func (r Repository) Name() string {
	_, name, _ := strings.Cut(string(r), "/")
	return name
}

func (r Repository) String() string {
	return string(r)
}
