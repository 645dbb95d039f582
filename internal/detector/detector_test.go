package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectForcePushToMain(t *testing.T) {
	d := NewDefault()

	actions := d.DetectInResponse("git push origin main --force")
	require.Len(t, actions, 1)

	action := actions[0]
	assert.Equal(t, CategoryVersionControl, action.Category)
	assert.Equal(t, "force push", action.Label)
	assert.Equal(t, SeverityHigh, action.Severity)
	assert.True(t, action.High())
	assert.Contains(t, action.Details, "branch: main")
	assert.Contains(t, action.Details, "force flag")
	assert.Equal(t, "git push origin main --force", action.Command)
}

func TestDetectClassification(t *testing.T) {
	d := NewDefault()

	tests := []struct {
		line     string
		category Category
		label    string
		severity Severity
	}{
		{"git push origin feature-x", CategoryVersionControl, "push to remote", SeverityNormal},
		{"git push -f origin feature-x", CategoryVersionControl, "force push", SeverityHigh},
		{"git push origin +feature-x", CategoryVersionControl, "force push", SeverityHigh},
		{"git push origin --delete old-branch", CategoryVersionControl, "delete remote branch", SeverityNormal},
		{"git push origin HEAD:master", CategoryVersionControl, "push to remote", SeverityHigh},
		{"git reset --hard HEAD~3", CategoryVersionControl, "hard reset", SeverityHigh},
		{"git branch -D feature-x", CategoryVersionControl, "delete branch", SeverityHigh},
		{"git rebase -i main", CategoryVersionControl, "rewrite history", SeverityHigh},
		{"gh pr merge 42 --squash", CategoryCodeHosting, "merge pull request", SeverityNormal},
		{"gh repo create demo --public", CategoryCodeHosting, "create repository", SeverityNormal},
		{"gh repo delete demo --yes", CategoryCodeHosting, "delete repository", SeverityHigh},
		{"gh release create v1.2.0", CategoryCodeHosting, "create release", SeverityNormal},
		{"npm publish --access public", CategoryPackageRegistry, "publish npm package", SeverityHigh},
		{"cargo publish", CategoryPackageRegistry, "publish crate", SeverityHigh},
		{"twine upload dist/*", CategoryPackageRegistry, "publish Python package", SeverityHigh},
		{"docker push ghcr.io/acme/api:1.0", CategoryPackageRegistry, "push container image", SeverityNormal},
		{"kubectl apply -f deploy.yml", CategoryDeployment, "apply Kubernetes manifests", SeverityNormal},
		{"kubectl delete namespace staging", CategoryDeployment, "delete Kubernetes resources", SeverityHigh},
		{"terraform apply -auto-approve", CategoryDeployment, "apply infrastructure changes", SeverityHigh},
		{"terraform destroy", CategoryDeployment, "destroy infrastructure", SeverityHigh},
		{"helm upgrade api ./chart", CategoryDeployment, "change Helm release", SeverityNormal},
		{"vercel --prod", CategoryDeployment, "deploy to production", SeverityNormal},
		{"fly deploy --env staging", CategoryDeployment, "deploy application", SeverityNormal},
		{"$ git push origin main", CategoryVersionControl, "push to remote", SeverityHigh},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			action, ok := d.Detect(tt.line)
			require.True(t, ok, "expected %q to be detected", tt.line)
			assert.Equal(t, tt.category, action.Category)
			assert.Equal(t, tt.label, action.Label)
			assert.Equal(t, tt.severity, action.Severity)
		})
	}
}

func TestDetectSkipsProseAndMarkup(t *testing.T) {
	d := NewDefault()

	lines := []string{
		"",
		"   ",
		"I will deploy the service after the tests pass.",
		"# git push origin main --force",
		"// npm publish",
		"<!-- terraform destroy -->",
		"- git push origin main",
		"* npm publish",
		"+ cargo publish",
		"> git reset --hard",
		"1. gh pr merge 42",
		"2) kubectl delete pod api",
		"Updated deploy.yml to kubectl apply the new replicas",
		"Edited config.json so that git push works over ssh",
		"git status",
		"git commit -m 'add feature'",
	}

	for _, line := range lines {
		t.Run(line, func(t *testing.T) {
			_, ok := d.Detect(line)
			assert.False(t, ok, "line %q should not be detected", line)
		})
	}
}

func TestDetectConfigFileWithCommandShape(t *testing.T) {
	d := NewDefault()

	action, ok := d.Detect("kubectl apply -f k8s/deploy.yaml")
	require.True(t, ok)
	assert.Equal(t, CategoryDeployment, action.Category)
	assert.NotContains(t, action.Details, "force flag", "kubectl -f names a file, not a force flag")

	action, ok = d.Detect("sudo KUBECONFIG=/tmp/kube.conf kubectl apply -f deploy.yml")
	require.True(t, ok)
	assert.Equal(t, "apply Kubernetes manifests", action.Label)
}

func TestDetectDefaultLabel(t *testing.T) {
	d := NewDefault()

	action, ok := d.Detect("glab release create v2")
	require.True(t, ok)
	assert.Equal(t, CategoryCodeHosting, action.Category)
	assert.Equal(t, "create release", action.Label)

	action, ok = d.Detect("kubectl rollout restart deployment/api")
	require.True(t, ok)
	assert.Equal(t, "modify Kubernetes workloads", action.Label)

	action, ok = d.Detect("aws lambda update-function-code --function-name api")
	require.True(t, ok)
	assert.Equal(t, CategoryDeployment, action.Category)
	assert.Equal(t, DefaultLabel, action.Label)
}

func TestDetectDetails(t *testing.T) {
	d := NewDefault()

	tests := []struct {
		line string
		want string
	}{
		{"git push --force-with-lease origin feature-x", "branch: feature-x, force flag"},
		{"git push origin HEAD:release", "branch: release"},
		{"fly deploy --target=production", "target: production"},
		{"serverless deploy -e staging", "target: staging"},
		{"npm publish", "npm publish"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			action, ok := d.Detect(tt.line)
			require.True(t, ok)
			assert.Equal(t, tt.want, action.Details)
		})
	}
}

func TestDetectInResponseDeduplicates(t *testing.T) {
	d := NewDefault()

	response := `I'll push the branch now.
git push origin feature-x
That failed, retrying:
git push origin feature-x
npm publish
git push --force origin feature-x
npm publish --tag next`

	actions := d.DetectInResponse(response)
	require.Len(t, actions, 3)

	assert.Equal(t, "push to remote", actions[0].Label)
	assert.Equal(t, "publish npm package", actions[1].Label)
	assert.Equal(t, "force push", actions[2].Label)

	seen := make(map[string]bool)
	for _, a := range actions {
		key := string(a.Category) + "/" + a.Label
		assert.False(t, seen[key], "duplicate (category, label) %s", key)
		seen[key] = true
	}
}

func TestDetectInResponseEmpty(t *testing.T) {
	d := NewDefault()

	assert.Empty(t, d.DetectInResponse(""))
	assert.Empty(t, d.DetectInResponse("All tests pass.\nNothing to deploy."))
}
