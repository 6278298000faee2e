package deployconfig

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/narvanalabs/deploybot/internal/integrations/github"
	"github.com/narvanalabs/deploybot/internal/models"
)

type fakeFiles struct {
	content []byte
	err     error
	calls   int
}

func (f *fakeFiles) FileContent(ctx context.Context, repo models.Repository, path, ref string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.content, nil
}

func TestParse(t *testing.T) {
	raw := []byte(`
environments:
  production:
    auto_deploy_ref: refs/heads/main
    required_contexts:
      - ci
      - security
  staging:
    default_ref: develop
`)
	cfg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	prod := cfg.Environment("production")
	if prod.AutoDeployRef != "refs/heads/main" {
		t.Errorf("auto_deploy_ref = %q", prod.AutoDeployRef)
	}
	if !reflect.DeepEqual(prod.RequiredContexts, []string{"ci", "security"}) {
		t.Errorf("required_contexts = %v", prod.RequiredContexts)
	}
	if staging := cfg.Environment("staging"); staging.DefaultRef != "develop" {
		t.Errorf("default_ref = %q", staging.DefaultRef)
	}
	if unknown := cfg.Environment("qa"); !reflect.DeepEqual(unknown, EnvironmentConfig{}) {
		t.Errorf("undeclared environment should be zero, got %+v", unknown)
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := Parse([]byte("environments: [not a map")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestGetMissingFileYieldsEmptyConfig(t *testing.T) {
	files := &fakeFiles{err: github.ErrNotFound}
	f := NewFetcher(files, time.Minute, nil)

	cfg, err := f.Get(context.Background(), "acme/api")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(cfg.Environments) != 0 {
		t.Fatalf("expected empty config, got %+v", cfg)
	}
}

func TestGetMalformedYamlYieldsEmptyConfig(t *testing.T) {
	files := &fakeFiles{content: []byte("environments: [broken")}
	f := NewFetcher(files, time.Minute, nil)

	cfg, err := f.Get(context.Background(), "acme/api")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(cfg.Environments) != 0 {
		t.Fatalf("malformed config must act as absent, got %+v", cfg)
	}
}

func TestGetUnavailableSystemSurfacesError(t *testing.T) {
	files := &fakeFiles{err: github.ErrUnavailable}
	f := NewFetcher(files, time.Minute, nil)

	if _, err := f.Get(context.Background(), "acme/api"); err == nil {
		t.Fatal("an unreachable contents API must not look like an empty config")
	}
}

func TestGetCachesWithinTTL(t *testing.T) {
	files := &fakeFiles{content: []byte("environments:\n  production:\n    default_ref: main\n")}
	f := NewFetcher(files, time.Hour, nil)

	for i := 0; i < 3; i++ {
		if _, err := f.Get(context.Background(), "acme/api"); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if files.calls != 1 {
		t.Fatalf("fetches = %d, want 1", files.calls)
	}

	// A different repository is a separate cache entry.
	if _, err := f.Get(context.Background(), "acme/web"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if files.calls != 2 {
		t.Fatalf("fetches = %d, want 2", files.calls)
	}
}
