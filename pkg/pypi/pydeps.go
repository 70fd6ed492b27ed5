package pypi

import (
	"context"
	"fmt"

	"github.com/pyflow-dev/pyflow/pkg/errors"
	"github.com/pyflow-dev/pyflow/pkg/pep440"
)

// pydepsEntry is the wire format of the pydeps cache service: one entry per
// release, with the extracted requirements.
type pydepsEntry struct {
	Version        string   `json:"version"`
	RequiresPython string   `json:"requires_python"`
	RequiresDist   []string `json:"requires_dist"`
}

// pydepsDependencies queries the pydeps service for the requirements of
// (name, version). Returns ErrCodePackageNotFound when the service has no
// entry for the release, which triggers the warehouse fallback.
func (c *Client) pydepsDependencies(ctx context.Context, name string, version pep440.Version) ([]pep440.Requirement, error) {
	key := fmt.Sprintf("pydeps:%s:%s", name, version)

	var entries []pydepsEntry
	if err := c.cached(ctx, key, &entries, func(v any) error {
		return c.getJSON(ctx, fmt.Sprintf("%s/%s/%s", c.pydepsURL, name, version), v)
	}); err != nil {
		if errors.Is(err, errors.ErrCodePackageNotFound) {
			return nil, err
		}
		return nil, errors.Wrap(errors.ErrCodeOracleUnavailable, err, "pydeps unavailable for %s", name)
	}

	for _, entry := range entries {
		v, err := pep440.ParseVersion(entry.Version)
		if err != nil || !v.Equal(version) {
			continue
		}
		reqs := make([]pep440.Requirement, 0, len(entry.RequiresDist))
		for _, raw := range entry.RequiresDist {
			if req, err := pep440.ParseRequirement(raw); err == nil {
				reqs = append(reqs, req)
			}
		}
		return reqs, nil
	}
	return nil, errors.New(errors.ErrCodePackageNotFound, "pydeps has no entry for %s %s", name, version)
}
