package models

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genRepoSegment generates a plausible owner or repository name.
func genRepoSegment() gopter.Gen {
	return gen.RegexMatch(`[a-zA-Z0-9][a-zA-Z0-9._-]{0,20}`)
}

// genHexSha generates a valid commit sha.
func genHexSha() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(4, 40),
		gen.SliceOfN(40, gen.RuneRange('a', 'f')),
		gen.SliceOfN(40, gen.RuneRange('0', '9')),
	).Map(func(vals []interface{}) string {
		n := vals[0].(int)
		letters := vals[1].([]rune)
		digits := vals[2].([]rune)
		var b strings.Builder
		for i := 0; i < n; i++ {
			if i%2 == 0 {
				b.WriteRune(letters[i])
			} else {
				b.WriteRune(digits[i])
			}
		}
		return b.String()
	})
}

func TestParseRepositoryRoundTrip(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("owner/name survives parsing and splitting", prop.ForAll(
		func(owner, name string) bool {
			repo, err := ParseRepository(owner + "/" + name)
			if err != nil {
				return false
			}
			return repo.Owner() == owner && repo.Name() == name
		},
		genRepoSegment(),
		genRepoSegment(),
	))

	properties.TestingRun(t)
}

func TestParseRepositoryRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"noslash",
		"/leading",
		"trailing/",
		"a/b/c",
		"owner/name with spaces",
		"owner//name",
	}
	for _, input := range cases {
		if _, err := ParseRepository(input); err == nil {
			t.Errorf("ParseRepository(%q) expected error, got nil", input)
		}
	}
}

func TestNewAutoDeploymentValidation(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("complete arguments always validate", prop.ForAll(
		func(sha string) bool {
			ad := NewAutoDeployment("env-1", sha, "user-1")
			return ad.Valid() && ad.State == AutoDeploymentPending
		},
		genHexSha(),
	))

	properties.Property("too-short sha is always rejected", prop.ForAll(
		func(n int) bool {
			sha := fmt.Sprintf("%x", n)
			if len(sha) > 3 {
				sha = sha[:3]
			}
			ad := NewAutoDeployment("env-1", sha, "user-1")
			return !ad.Valid()
		},
		gen.IntRange(0, 1<<30),
	))

	properties.TestingRun(t)
}

func TestNewAutoDeploymentAcceptsAbbreviatedSha(t *testing.T) {
	for _, sha := range []string{"abc1", "abc123", strings.Repeat("ab", 20)} {
		if ad := NewAutoDeployment("env-1", sha, "user-1"); !ad.Valid() {
			t.Errorf("sha %q should validate, got %v", sha, ad.Errs)
		}
	}
}

func TestNewAutoDeploymentCollectsAllErrors(t *testing.T) {
	ad := NewAutoDeployment("", "nothex!", "")
	if ad.Valid() {
		t.Fatal("expected invalid auto-deployment")
	}
	if len(ad.Errs) != 3 {
		t.Fatalf("expected 3 validation errors, got %d: %v", len(ad.Errs), ad.Errs)
	}
}

func TestAutoDeploymentActive(t *testing.T) {
	for _, state := range []AutoDeploymentState{AutoDeploymentPending, AutoDeploymentReady, AutoDeploymentFailed} {
		ad := &AutoDeployment{State: state}
		if !ad.Active() {
			t.Errorf("state %s should be active", state)
		}
	}
	ad := &AutoDeployment{State: AutoDeploymentDone}
	if ad.Active() {
		t.Error("done auto-deployment should not be active")
	}
}

func TestCommitStatusStateFailed(t *testing.T) {
	if !CommitStatusFailure.Failed() || !CommitStatusError.Failed() {
		t.Error("failure and error states should report failed")
	}
	if CommitStatusSuccess.Failed() || CommitStatusPending.Failed() {
		t.Error("success and pending states should not report failed")
	}
}

func TestDeploymentStatusResolved(t *testing.T) {
	if DeploymentStatusPending.Resolved() {
		t.Error("pending should not be resolved")
	}
	for _, s := range []DeploymentStatus{DeploymentStatusSuccess, DeploymentStatusFailure, DeploymentStatusError} {
		if !s.Resolved() {
			t.Errorf("%s should be resolved", s)
		}
	}
}
