package guardrail

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RickZee/ai-team/internal/state"
)

func TestFileLength(t *testing.T) {
	g := FileLength{MaxLines: 10}

	short := strings.Repeat("line\n", 5)
	long := strings.Repeat("line\n", 15)
	huge := strings.Repeat("line\n", 25)

	assert.Equal(t, StatusPass, g.Check(context.Background(), codeInput("a.py", short)).Status)
	assert.Equal(t, StatusWarn, g.Check(context.Background(), codeInput("a.py", long)).Status)

	v := g.Check(context.Background(), codeInput("a.py", huge))
	require.Equal(t, StatusFail, v.Status)
	assert.True(t, v.RetryAllowed)
}

func TestFunctionLength(t *testing.T) {
	g := FunctionLength{MaxLines: 5}

	ok := "def a():\n    pass\n\ndef b():\n    pass\n"
	v := g.Check(context.Background(), codeInput("a.py", ok))
	assert.Equal(t, StatusPass, v.Status, v.Message)

	long := "def a():\n" + strings.Repeat("    x = 1\n", 10) + "\ndef b():\n    pass\n"
	v = g.Check(context.Background(), codeInput("a.py", long))
	assert.Equal(t, StatusWarn, v.Status)
}

func TestDocstrings(t *testing.T) {
	g := Docstrings{}

	documented := "def fetch(url: str) -> str:\n    \"\"\"Fetch a URL.\"\"\"\n    return get(url)\n"
	v := g.Check(context.Background(), codeInput("app/client.py", documented))
	assert.Equal(t, StatusPass, v.Status, v.Message)

	undocumented := "def fetch(url):\n    return get(url)\n"
	v = g.Check(context.Background(), codeInput("app/client.py", undocumented))
	require.Equal(t, StatusWarn, v.Status)
	missing := v.Details["missing"].([]string)
	assert.NotEmpty(t, missing)

	goUndocumented := "package api\n\nfunc Handle(w http.ResponseWriter, r *http.Request) {\n}\n"
	v = g.Check(context.Background(), codeInput("api/handler.go", goUndocumented))
	assert.Equal(t, StatusWarn, v.Status)

	// Private helpers need no docs.
	private := "def _helper(x):\n    return x\n"
	v = g.Check(context.Background(), codeInput("app/util.py", private))
	assert.Equal(t, StatusPass, v.Status, v.Message)
}

func TestCoverageThreshold(t *testing.T) {
	g := Coverage{Threshold: 0.8}

	// Exactly at threshold passes; strictly below fails.
	v := g.Check(context.Background(), &Input{Artifact: &state.TestRun{Coverage: 0.8}})
	assert.Equal(t, StatusPass, v.Status)

	v = g.Check(context.Background(), &Input{Artifact: &state.TestRun{Coverage: 0.79}})
	require.Equal(t, StatusFail, v.Status)
	assert.True(t, v.RetryAllowed)

	v = g.Check(context.Background(), &Input{Artifact: &state.Requirements{}})
	assert.Equal(t, StatusPass, v.Status, "non-test artifacts are skipped")
}

func TestDependencyPolicy(t *testing.T) {
	g := DependencyPolicy{Blocklist: []string{"leftpad"}}

	manifest := func(content string) *Input {
		return codeInput("requirements.txt", content)
	}

	v := g.Check(context.Background(), manifest("flask==2.3.0\nrequests==2.31.0\n"))
	assert.Equal(t, StatusPass, v.Status, v.Message)

	v = g.Check(context.Background(), manifest("flask==2.3.0\nleftpad==1.0\n"))
	assert.Equal(t, StatusFail, v.Status)

	v = g.Check(context.Background(), manifest("flask==2.3.0\nrequests\n"))
	assert.Equal(t, StatusWarn, v.Status)

	pkg := codeInput("package.json", `{"dependencies": {"express": "latest"}}`)
	v = g.Check(context.Background(), pkg)
	assert.Equal(t, StatusFail, v.Status)

	// Non-manifest files are never inspected.
	v = g.Check(context.Background(), codeInput("app/main.py", "version = 'latest'"))
	assert.Equal(t, StatusPass, v.Status)
}

func TestArchitectureCompliance(t *testing.T) {
	g := ArchitectureCompliance{}

	s := state.New("demo")
	s.Architecture = &state.Architecture{
		Components: []state.Component{
			{Name: "api", Responsibility: "HTTP surface"},
			{Name: "storage", Responsibility: "persistence"},
		},
	}

	v := g.Check(context.Background(), &Input{
		State:    s,
		Artifact: state.CodeFile{Path: "api/routes.py", Content: "x"},
	})
	assert.Equal(t, StatusPass, v.Status, v.Message)

	v = g.Check(context.Background(), &Input{
		State:    s,
		Artifact: state.CodeFile{Path: "billing/invoice.py", Content: "x"},
	})
	assert.Equal(t, StatusWarn, v.Status)

	// Conventional directories and root files are exempt.
	for _, p := range []string{"tests/test_api.py", "requirements.txt", "docs/setup.md"} {
		v = g.Check(context.Background(), &Input{
			State:    s,
			Artifact: state.CodeFile{Path: p, Content: "x"},
		})
		assert.Equal(t, StatusPass, v.Status, p)
	}
}

func TestDocumentationPresence(t *testing.T) {
	g := Documentation{}

	withDocs := []state.CodeFile{
		{Path: "app/main.py", Kind: state.FileKindSource},
		{Path: "README.md", Kind: state.FileKindDoc},
	}
	v := g.Check(context.Background(), &Input{Artifact: withDocs})
	assert.Equal(t, StatusPass, v.Status)

	withoutDocs := []state.CodeFile{{Path: "app/main.py", Kind: state.FileKindSource}}
	v = g.Check(context.Background(), &Input{Artifact: withoutDocs})
	assert.Equal(t, StatusWarn, v.Status)
}

type scoredReview struct{ score float64 }

func (s scoredReview) QualityScore() float64 { return s.score }

func TestQualityScore(t *testing.T) {
	g := QualityScore{Minimum: 7}

	v := g.Check(context.Background(), &Input{Artifact: scoredReview{score: 8.5}})
	assert.Equal(t, StatusPass, v.Status)

	v = g.Check(context.Background(), &Input{Artifact: scoredReview{score: 4}})
	require.Equal(t, StatusFail, v.Status)
	assert.True(t, v.RetryAllowed)
}
