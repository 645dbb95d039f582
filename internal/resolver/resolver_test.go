package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRepositoryVersusBranch(t *testing.T) {
	r := New()

	repo, ok := r.Resolve("create a new repo called demo")
	require.True(t, ok)
	assert.Equal(t, ActionCreateRepository, repo.Action)
	assert.Equal(t, "demo", repo.Repo)
	assert.Empty(t, repo.Branch)

	branch, ok := r.Resolve("switch to branch feature-x")
	require.True(t, ok)
	assert.Equal(t, ActionSwitchBranch, branch.Action)
	assert.Equal(t, "feature-x", branch.Branch)
	assert.Empty(t, branch.Repo, "a branch-only instruction must not set a repository")

	assert.NotEqual(t, repo.Action, branch.Action)
}

func TestResolvePhrasings(t *testing.T) {
	r := New()

	tests := []struct {
		instruction string
		want        Context
	}{
		{"Create a repository named api-server.", Context{Action: ActionCreateRepository, Repo: "api-server"}},
		{"make a new repo widgets", Context{Action: ActionCreateRepository, Repo: "widgets"}},
		{"clone https://github.com/acme/tools.git", Context{Action: ActionCloneRepository, Repo: "tools"}},
		{"clone acme/tools and run the tests", Context{Action: ActionCloneRepository, Repo: "acme/tools"}},
		{"switch to the repo billing", Context{Action: ActionUseRepository, Repo: "billing"}},
		{"fix the flaky test in the payments repo", Context{Action: ActionUseRepository, Repo: "payments"}},
		{"in repo billing, checkout branch hotfix/1.2", Context{Action: ActionUseRepository, Repo: "billing", Branch: "hotfix/1.2"}},
		{"rebase onto main while on the release-2 branch", Context{Action: ActionSwitchBranch, Branch: "release-2"}},
		{"open a branch called spike", Context{Action: ActionSwitchBranch, Branch: "spike"}},
	}

	for _, tt := range tests {
		t.Run(tt.instruction, func(t *testing.T) {
			got, ok := r.Resolve(tt.instruction)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveNothing(t *testing.T) {
	r := New()

	for _, instruction := range []string{"", "add a README", "run the tests and report back"} {
		got, ok := r.Resolve(instruction)
		assert.False(t, ok, instruction)
		assert.True(t, got.Empty())
	}
}
