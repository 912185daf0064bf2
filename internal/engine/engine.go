package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"siteorder/internal/cart"
	"siteorder/internal/config"
	"siteorder/internal/engine/auth"
	"siteorder/internal/events"
	"siteorder/internal/inference"
	"siteorder/internal/intent"
	"siteorder/internal/matcher"
	"siteorder/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Gateway inference.Gateway
	Log     logrus.FieldLogger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Gateway: inference.Disabled(),
		Log:     logrus.StandardLogger(),
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default("")
}

func (e Engine) Resolver() *intent.Resolver {
	return intent.New(e.Gateway, e.log())
}

func (e Engine) Matcher() *matcher.Matcher {
	return matcher.New(e.Repo, e.Gateway, e.config().Matcher, e.log())
}

func (e Engine) Access() auth.Service {
	return auth.Service{Repo: e.Repo}
}

// OpenCart loads a worker's cart bound to projectID. Switching projects
// drops lines priced for the previous one.
func (e Engine) OpenCart(ctx context.Context, workerID, projectID string) (*cart.Session, error) {
	s, err := cart.Open(ctx, e.Repo, workerID)
	if err != nil {
		return nil, err
	}
	s.Now = e.now
	if projectID != "" {
		if err := s.SwitchProject(ctx, projectID); err != nil {
			return nil, fmt.Errorf("bind cart to project: %w", err)
		}
	}
	return s, nil
}
