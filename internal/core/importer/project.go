package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"smartaudit/internal/api"
)

// ErrUnknownProject is returned when the project catalogue has no such id.
var ErrUnknownProject = errors.New("unknown project")

// Project returns the catalogue entry of projectID. Known projects are cached.
func (s *Session) Project(ctx context.Context, projectID string) (map[string]any, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrUnknownProject)
	}
	p, _, err := cached(ctx, s, cacheKey("project", projectID), func() (map[string]any, error) {
		return s.api.Project(ctx, projectID)
	})
	if api.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProject, projectID)
	}
	return p, err
}

// CheckProject fails with ErrUnknownProject before anything is uploaded under a
// project the backend does not know.
func (s *Session) CheckProject(ctx context.Context, projectID string) error {
	_, err := s.Project(ctx, projectID)
	return err
}
