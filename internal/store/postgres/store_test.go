package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"testing"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/narvanalabs/deploybot/internal/models"
	"github.com/narvanalabs/deploybot/internal/store"
)

// setupTestStore connects to the database named by TEST_DATABASE_URL
// and applies the schema. Tests are skipped when the variable is unset.
func setupTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database tests")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := Migrate(context.Background(), db); err != nil {
		db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	db.Close()

	st, err := NewPostgresStore(DefaultConfig(dsn), slog.Default())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	t.Cleanup(func() {
		for _, table := range []string{"watchdog_tasks", "deployments", "auto_deployments", "locks", "environments", "users"} {
			st.DB().Exec("DELETE FROM " + table)
		}
		st.Close()
	})
	return st
}

func seedUser(t *testing.T, st store.Store) *models.User {
	t.Helper()
	u := &models.User{SlackUserID: "U-" + uuid.NewString()}
	if err := st.Users().Upsert(context.Background(), u); err != nil {
		t.Fatalf("seeding user: %v", err)
	}
	return u
}

func seedEnvironment(t *testing.T, st store.Store) *models.Environment {
	t.Helper()
	env, err := st.Environments().Get(context.Background(), models.Repository("acme/"+uuid.NewString()[:8]), "production")
	if err != nil {
		t.Fatalf("seeding environment: %v", err)
	}
	return env
}

func TestEnvironmentGetIsAnUpsert(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	first, err := st.Environments().Get(ctx, "acme/api", "production")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, err := st.Environments().Get(ctx, "acme/api", "production")
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("repeated Get created a second row: %s != %s", first.ID, second.ID)
	}
}

func TestEnvironmentUpdateRoundTrip(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	env := seedEnvironment(t, st)

	env.AutoDeploy = true
	env.DefaultRef = "develop"
	env.RequiredContexts = []string{"ci", "security"}
	if err := st.Environments().Update(ctx, env); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := st.Environments().GetByID(ctx, env.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !got.AutoDeploy || got.DefaultRef != "develop" {
		t.Fatalf("unexpected environment: %+v", got)
	}
	if !reflect.DeepEqual(got.RequiredContexts, []string{"ci", "security"}) {
		t.Fatalf("required_contexts = %v", got.RequiredContexts)
	}
}

func TestLockExclusivity(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	env := seedEnvironment(t, st)
	alice := seedUser(t, st)
	bob := seedUser(t, st)

	first := &models.Lock{ID: uuid.NewString(), EnvironmentID: env.ID, UserID: alice.ID}
	if err := st.Locks().Create(ctx, first); err != nil {
		t.Fatalf("Create: %v", err)
	}

	second := &models.Lock{ID: uuid.NewString(), EnvironmentID: env.ID, UserID: bob.ID}
	if err := st.Locks().Create(ctx, second); !errors.Is(err, store.ErrEnvironmentLocked) {
		t.Fatalf("expected ErrEnvironmentLocked, got %v", err)
	}

	released, err := st.Locks().Release(ctx, env.ID)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released.ID != first.ID {
		t.Fatalf("released lock = %s, want %s", released.ID, first.ID)
	}

	// A released lock no longer blocks the partial unique index.
	if err := st.Locks().Create(ctx, second); err != nil {
		t.Fatalf("Create after release: %v", err)
	}
}

func TestLockExclusivityUnderConcurrency(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	env := seedEnvironment(t, st)

	const attempts = 8
	users := make([]*models.User, attempts)
	for i := range users {
		users[i] = seedUser(t, st)
	}

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = st.Locks().Create(ctx, &models.Lock{
				ID:            uuid.NewString(),
				EnvironmentID: env.ID,
				UserID:        users[i].ID,
			})
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrEnvironmentLocked):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
}

func TestReleaseByUser(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	alice := seedUser(t, st)
	bob := seedUser(t, st)
	env1 := seedEnvironment(t, st)
	env2 := seedEnvironment(t, st)
	env3 := seedEnvironment(t, st)

	for _, env := range []*models.Environment{env1, env2} {
		if err := st.Locks().Create(ctx, &models.Lock{ID: uuid.NewString(), EnvironmentID: env.ID, UserID: alice.ID}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if err := st.Locks().Create(ctx, &models.Lock{ID: uuid.NewString(), EnvironmentID: env3.ID, UserID: bob.ID}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	released, err := st.Locks().ReleaseByUser(ctx, alice.ID)
	if err != nil {
		t.Fatalf("ReleaseByUser: %v", err)
	}
	if len(released) != 2 {
		t.Fatalf("released = %d, want 2", len(released))
	}
	if _, err := st.Locks().Active(ctx, env3.ID); err != nil {
		t.Fatalf("bob's lock should survive: %v", err)
	}
}

func TestAutoDeploymentDoneIsTerminal(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	env := seedEnvironment(t, st)
	user := seedUser(t, st)

	ad := models.NewAutoDeployment(env.ID, "abc1234def5678abc1234def5678abc1234def56", user.ID)
	ad.ID = uuid.NewString()
	if err := st.AutoDeployments().Create(ctx, ad); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := st.AutoDeployments().SetState(ctx, ad.ID, models.AutoDeploymentDone); err != nil {
		t.Fatalf("SetState(done): %v", err)
	}
	if err := st.AutoDeployments().SetState(ctx, ad.ID, models.AutoDeploymentReady); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("done must be terminal, got %v", err)
	}

	got, err := st.AutoDeployments().Get(ctx, ad.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != models.AutoDeploymentDone {
		t.Fatalf("state = %s, want done", got.State)
	}
}

func TestActiveForShaExcludesDone(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	env := seedEnvironment(t, st)
	user := seedUser(t, st)
	sha := "abc1234def5678abc1234def5678abc1234def56"

	active := models.NewAutoDeployment(env.ID, sha, user.ID)
	active.ID = uuid.NewString()
	finished := models.NewAutoDeployment(env.ID, sha, user.ID)
	finished.ID = uuid.NewString()
	for _, ad := range []*models.AutoDeployment{active, finished} {
		if err := st.AutoDeployments().Create(ctx, ad); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if err := st.AutoDeployments().SetState(ctx, finished.ID, models.AutoDeploymentDone); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	err := st.WithTx(ctx, func(s store.Store) error {
		ads, err := s.AutoDeployments().ActiveForSha(ctx, env.Repository, sha)
		if err != nil {
			return err
		}
		if len(ads) != 1 || ads[0].ID != active.ID {
			t.Fatalf("expected only the active auto-deployment, got %+v", ads)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

func TestDeploymentMirror(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	env := seedEnvironment(t, st)
	user := seedUser(t, st)

	d := &models.Deployment{
		ID:          101,
		Repository:  env.Repository,
		Environment: env.Name,
		Ref:         "main",
		Status:      models.DeploymentStatusPending,
		UserID:      user.ID,
	}
	if err := st.Deployments().Record(ctx, d); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// Re-recording the same external ID updates rather than duplicates.
	d.Status = models.DeploymentStatusSuccess
	if err := st.Deployments().Record(ctx, d); err != nil {
		t.Fatalf("second Record: %v", err)
	}

	got, err := st.Deployments().Get(ctx, 101)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.DeploymentStatusSuccess {
		t.Fatalf("status = %s, want success", got.Status)
	}

	last, err := st.Deployments().LastFor(ctx, env.Repository, env.Name)
	if err != nil {
		t.Fatalf("LastFor: %v", err)
	}
	if last.ID != 101 {
		t.Fatalf("last = %d, want 101", last.ID)
	}
}

func TestUserUpsertKeyedBySlackID(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	u := &models.User{SlackUserID: "U777"}
	if err := st.Users().Upsert(ctx, u); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	linked := &models.User{SlackUserID: "U777", GitHubLogin: "alice", GitHubToken: "tok"}
	if err := st.Users().Upsert(ctx, linked); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	if linked.ID != u.ID {
		t.Fatalf("upsert created a second row: %s != %s", linked.ID, u.ID)
	}

	got, err := st.Users().GetBySlackID(ctx, "U777")
	if err != nil {
		t.Fatalf("GetBySlackID: %v", err)
	}
	if got.GitHubLogin != "alice" {
		t.Fatalf("github_login = %q", got.GitHubLogin)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	env := seedEnvironment(t, st)
	user := seedUser(t, st)

	sentinel := errors.New("abort")
	err := st.WithTx(ctx, func(s store.Store) error {
		if err := s.Locks().Create(ctx, &models.Lock{ID: uuid.NewString(), EnvironmentID: env.ID, UserID: user.ID}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}

	if _, err := st.Locks().Active(ctx, env.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("rolled-back lock should not exist, got %v", err)
	}
}
