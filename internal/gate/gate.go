// Package gate validates the project identifier and enforces quota
// before the gateway does any upstream work.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chaingate/rpc-gateway/internal/caip"
)

var (
	// ErrUnauthorized means the project does not exist.
	ErrUnauthorized = errors.New("unauthorized project")
	// ErrQuotaExceeded means the project's quota has no headroom.
	ErrQuotaExceeded = errors.New("project quota exceeded")
)

// Project is the capability record consumed from the project registry
// collaborator.
type Project struct {
	ID             string            `json:"id"`
	AllowedOrigins []string          `json:"allowedOrigins,omitempty"`
	Quota          int64             `json:"quota"`
	Data           map[string]string `json:"data,omitempty"`
}

// ProjectStore is the registry collaborator surface the gate consumes.
type ProjectStore interface {
	Project(ctx context.Context, id string) (*Project, error)
}

// Gate checks project existence and atomically bumps the per-day usage
// counter. A disabled gate admits everything (test mode).
type Gate struct {
	store    ProjectStore
	disabled bool
	logger   *zap.Logger

	// usage maps projectID|day → counter. Counters reset by key
	// rotation at the UTC day boundary.
	usage sync.Map
}

// New builds the gate. disabled short-circuits all validation.
func New(store ProjectStore, disabled bool, logger *zap.Logger) *Gate {
	return &Gate{store: store, disabled: disabled, logger: logger}
}

// Allow admits or rejects one request for the project on the given
// chain. Quota is currently project-wide; the chain is part of the call
// surface so per-chain policy can land without touching callers. On
// success the usage counter has already been bumped.
func (g *Gate) Allow(ctx context.Context, projectID string, chain caip.ChainID) (*Project, error) {
	if g.disabled {
		return &Project{ID: projectID}, nil
	}
	if projectID == "" {
		return nil, ErrUnauthorized
	}
	project, err := g.store.Project(ctx, projectID)
	if err != nil || project == nil {
		return nil, ErrUnauthorized
	}
	if project.Quota > 0 {
		key := projectID + "|" + time.Now().UTC().Format("2006-01-02")
		v, _ := g.usage.LoadOrStore(key, &atomic.Int64{})
		counter := v.(*atomic.Int64)
		if used := counter.Add(1); used > project.Quota {
			counter.Add(-1)
			g.logger.Debug("quota exceeded",
				zap.String("project_id", projectID),
				zap.String("chain", chain.String()),
				zap.Int64("quota", project.Quota))
			return nil, ErrQuotaExceeded
		}
	}
	return project, nil
}

// StaticProjects is a map-backed ProjectStore used by the composition
// root and tests; the real registry service is an external collaborator.
type StaticProjects struct {
	projects map[string]*Project
}

// NewStaticProjects indexes the given projects by id.
func NewStaticProjects(projects []*Project) *StaticProjects {
	byID := make(map[string]*Project, len(projects))
	for _, p := range projects {
		byID[p.ID] = p
	}
	return &StaticProjects{projects: byID}
}

// ParseStaticProjects decodes the projects JSON table from the
// environment.
func ParseStaticProjects(raw string) (*StaticProjects, error) {
	var projects []*Project
	if err := json.Unmarshal([]byte(raw), &projects); err != nil {
		return nil, fmt.Errorf("projects json: %w", err)
	}
	for _, p := range projects {
		if p.ID == "" {
			return nil, errors.New("projects json: entry missing id")
		}
	}
	return NewStaticProjects(projects), nil
}

// Project implements ProjectStore.
func (s *StaticProjects) Project(_ context.Context, id string) (*Project, error) {
	p, ok := s.projects[id]
	if !ok {
		return nil, ErrUnauthorized
	}
	return p, nil
}
