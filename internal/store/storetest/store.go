// Package storetest provides an in-memory Store for tests. It mirrors
// the Postgres semantics the services rely on: one active lock per
// environment, done auto-deployments never leave done, and upsert
// behavior on environment lookup.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/deploybot/internal/models"
	"github.com/narvanalabs/deploybot/internal/store"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	environments map[string]*models.Environment
	locks        map[string]*models.Lock
	autoDeploys  map[string]*models.AutoDeployment
	deployments  map[int64]*models.Deployment
	users        map[string]*models.User
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		environments: make(map[string]*models.Environment),
		locks:        make(map[string]*models.Lock),
		autoDeploys:  make(map[string]*models.AutoDeployment),
		deployments:  make(map[int64]*models.Deployment),
		users:        make(map[string]*models.User),
	}
}

func (s *Store) Environments() store.EnvironmentStore       { return (*environmentStore)(s) }
func (s *Store) Locks() store.LockStore                     { return (*lockStore)(s) }
func (s *Store) AutoDeployments() store.AutoDeploymentStore { return (*autoDeploymentStore)(s) }
func (s *Store) Deployments() store.DeploymentStore         { return (*deploymentStore)(s) }
func (s *Store) Users() store.UserStore                     { return (*userStore)(s) }

// WithTx runs fn against the same store. Transactional isolation is
// not modeled; the services under test only rely on atomic visibility.
func (s *Store) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(s)
}

func (s *Store) Close() error { return nil }

// SeedUser adds a user and returns it.
func (s *Store) SeedUser(slackID, githubLogin string) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &models.User{
		ID:          uuid.New().String(),
		SlackUserID: slackID,
		GitHubLogin: githubLogin,
		CreatedAt:   time.Now(),
	}
	s.users[u.ID] = u
	return u
}

// SeedEnvironment adds an environment and returns it.
func (s *Store) SeedEnvironment(repo models.Repository, name string, autoDeploy bool) *models.Environment {
	s.mu.Lock()
	defer s.mu.Unlock()
	env := &models.Environment{
		ID:         uuid.New().String(),
		Repository: repo,
		Name:       name,
		AutoDeploy: autoDeploy,
		CreatedAt:  time.Now(),
	}
	s.environments[env.ID] = env
	return env
}

// ActiveLocks returns all unreleased locks, for assertions.
func (s *Store) ActiveLocks() []*models.Lock {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Lock
	for _, l := range s.locks {
		if l.ReleasedAt == nil {
			out = append(out, copyLock(l))
		}
	}
	return out
}

type environmentStore Store

func (s *environmentStore) Get(ctx context.Context, repo models.Repository, name string) (*models.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, env := range s.environments {
		if env.Repository == repo && env.Name == name {
			return copyEnv(env), nil
		}
	}
	env := &models.Environment{
		ID:         uuid.New().String(),
		Repository: repo,
		Name:       name,
		CreatedAt:  time.Now(),
	}
	s.environments[env.ID] = env
	return copyEnv(env), nil
}

func (s *environmentStore) GetByID(ctx context.Context, id string) (*models.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.environments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyEnv(env), nil
}

func (s *environmentStore) Update(ctx context.Context, env *models.Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.environments[env.ID]; !ok {
		return store.ErrNotFound
	}
	cp := copyEnv(env)
	cp.UpdatedAt = time.Now()
	s.environments[env.ID] = cp
	return nil
}

func (s *environmentStore) ListForRepository(ctx context.Context, repo models.Repository) ([]*models.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Environment
	for _, env := range s.environments {
		if env.Repository == repo {
			out = append(out, copyEnv(env))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type lockStore Store

func (s *lockStore) Active(ctx context.Context, environmentID string) (*models.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.locks {
		if l.EnvironmentID == environmentID && l.ReleasedAt == nil {
			return copyLock(l), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *lockStore) Create(ctx context.Context, lock *models.Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.locks {
		if l.EnvironmentID == lock.EnvironmentID && l.ReleasedAt == nil {
			return store.ErrEnvironmentLocked
		}
	}
	if lock.ID == "" {
		lock.ID = uuid.New().String()
	}
	lock.CreatedAt = time.Now()
	s.locks[lock.ID] = copyLock(lock)
	return nil
}

func (s *lockStore) Get(ctx context.Context, id string) (*models.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyLock(l), nil
}

func (s *lockStore) Release(ctx context.Context, environmentID string) (*models.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.locks {
		if l.EnvironmentID == environmentID && l.ReleasedAt == nil {
			now := time.Now()
			l.ReleasedAt = &now
			return copyLock(l), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *lockStore) ReleaseByUser(ctx context.Context, userID string) ([]*models.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Lock
	for _, l := range s.locks {
		if l.UserID == userID && l.ReleasedAt == nil {
			now := time.Now()
			l.ReleasedAt = &now
			out = append(out, copyLock(l))
		}
	}
	return out, nil
}

type autoDeploymentStore Store

func (s *autoDeploymentStore) Create(ctx context.Context, ad *models.AutoDeployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ad.ID == "" {
		ad.ID = uuid.New().String()
	}
	ad.CreatedAt = time.Now()
	s.autoDeploys[ad.ID] = copyAD(ad)
	return nil
}

func (s *autoDeploymentStore) Get(ctx context.Context, id string) (*models.AutoDeployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ad, ok := s.autoDeploys[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyAD(ad), nil
}

func (s *autoDeploymentStore) ActiveForSha(ctx context.Context, repo models.Repository, sha string) ([]*models.AutoDeployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AutoDeployment
	for _, ad := range s.autoDeploys {
		if ad.Sha != sha || ad.State == models.AutoDeploymentDone {
			continue
		}
		env, ok := s.environments[ad.EnvironmentID]
		if !ok || env.Repository != repo {
			continue
		}
		out = append(out, copyAD(ad))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *autoDeploymentStore) SetState(ctx context.Context, id string, state models.AutoDeploymentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ad, ok := s.autoDeploys[id]
	if !ok || ad.State == models.AutoDeploymentDone {
		return store.ErrNotFound
	}
	ad.State = state
	ad.UpdatedAt = time.Now()
	return nil
}

type deploymentStore Store

func (s *deploymentStore) Record(ctx context.Context, d *models.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.deployments[d.ID]; ok {
		existing.Status = d.Status
		existing.Sha = d.Sha
		return nil
	}
	cp := *d
	cp.CreatedAt = time.Now()
	s.deployments[d.ID] = &cp
	return nil
}

func (s *deploymentStore) Get(ctx context.Context, id int64) (*models.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *deploymentStore) LastFor(ctx context.Context, repo models.Repository, environment string) (*models.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *models.Deployment
	for _, d := range s.deployments {
		if d.Repository != repo || d.Environment != environment {
			continue
		}
		if last == nil || d.CreatedAt.After(last.CreatedAt) {
			last = d
		}
	}
	if last == nil {
		return nil, store.ErrNotFound
	}
	cp := *last
	return &cp, nil
}

func (s *deploymentStore) SetStatus(ctx context.Context, id int64, status models.DeploymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return store.ErrNotFound
	}
	d.Status = status
	return nil
}

type userStore Store

func (s *userStore) Get(ctx context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *userStore) GetBySlackID(ctx context.Context, slackUserID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.SlackUserID == slackUserID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *userStore) Upsert(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.SlackUserID == user.SlackUserID {
			u.GitHubLogin = user.GitHubLogin
			u.GitHubToken = user.GitHubToken
			user.ID = u.ID
			user.CreatedAt = u.CreatedAt
			return nil
		}
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.CreatedAt = time.Now()
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func copyEnv(env *models.Environment) *models.Environment {
	cp := *env
	cp.RequiredContexts = append([]string(nil), env.RequiredContexts...)
	return &cp
}

func copyLock(l *models.Lock) *models.Lock {
	cp := *l
	if l.ReleasedAt != nil {
		t := *l.ReleasedAt
		cp.ReleasedAt = &t
	}
	return &cp
}

func copyAD(ad *models.AutoDeployment) *models.AutoDeployment {
	cp := *ad
	cp.Errs = append([]string(nil), ad.Errs...)
	return &cp
}
