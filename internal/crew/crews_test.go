package crew

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RickZee/ai-team/internal/llm"
	"github.com/RickZee/ai-team/internal/state"
	"github.com/RickZee/ai-team/internal/worker"
)

func testBuilder(t *testing.T, fake *llm.Fake) *Builder {
	t.Helper()
	roster := map[string]*worker.Worker{}
	for _, role := range []worker.Role{
		worker.RoleManager, worker.RoleProductOwner, worker.RoleArchitect,
		worker.RoleBackendDeveloper, worker.RoleFrontendDeveloper,
		worker.RoleDevops, worker.RoleQAEngineer,
	} {
		w, err := worker.New(worker.Config{
			Role:           role,
			ModelID:        "test-model",
			RetryBaseDelay: time.Millisecond,
		}, fake, worker.Toolset{}, nil, nil)
		require.NoError(t, err)
		roster[role.Name] = w
	}
	return &Builder{
		Workers:           roster,
		CoverageThreshold: 0.8,
		QualityThreshold:  7,
		MaxRetries:        3,
		MaxConcurrent:     2,
	}
}

func TestPlanningCrewShape(t *testing.T) {
	b := testBuilder(t, &llm.Fake{})
	c, err := b.Planning()
	require.NoError(t, err)
	assert.Equal(t, []string{"requirements", "architecture"}, c.TaskOrder())
	assert.Contains(t, c.Roles(), worker.RoleProductOwner.Name)
	assert.Contains(t, c.Roles(), worker.RoleArchitect.Name)
}

func TestDevelopmentSkipsFrontendWithoutComponent(t *testing.T) {
	b := testBuilder(t, &llm.Fake{})

	snapshot := state.New("demo")
	snapshot.Architecture = &state.Architecture{Components: []state.Component{
		{Name: "api", Responsibility: "serves requests"},
	}}

	c, err := b.Development(snapshot, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"backend", "devops"}, c.TaskOrder())
}

func TestDevelopmentIncludesFrontendComponent(t *testing.T) {
	b := testBuilder(t, &llm.Fake{})

	snapshot := state.New("demo")
	snapshot.Architecture = &state.Architecture{Components: []state.Component{
		{Name: "api", Responsibility: "serves requests"},
		{Name: "Frontend SPA", Responsibility: "renders UI"},
	}}

	c, err := b.Development(snapshot, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"backend", "frontend", "devops"}, c.TaskOrder())
}

func TestDevelopmentFeedbackReachesPrompts(t *testing.T) {
	fileSet := `{"files": [{"path": "app/main.py", "content": "def main():\n    \"\"\"Entry point.\"\"\"\n    return 0\n", "language": "python"}]}`
	fake := &llm.Fake{Default: llm.Reply(fileSet)}
	b := testBuilder(t, fake)

	snapshot := state.New("demo")
	snapshot.Architecture = &state.Architecture{Components: []state.Component{
		{Name: "app", Responsibility: "backend"},
	}}

	c, err := b.Development(snapshot, "2 tests failed: assertion on /health")
	require.NoError(t, err)

	_, err = c.Kickoff(context.Background(), snapshot)
	require.NoError(t, err)
	for _, req := range fake.Requests {
		assert.Contains(t, req.Messages[1].Content, "2 tests failed: assertion on /health")
	}
}

func TestTestingCrewRequiresRunner(t *testing.T) {
	b := testBuilder(t, &llm.Fake{})
	b.TestRunner = nil

	snapshot := state.New("demo")
	c, err := b.Testing(snapshot)
	require.NoError(t, err)
	assert.Equal(t, []string{"generate_tests", "execute_tests", "review"}, c.TaskOrder())
}

func TestDeploymentCrewShape(t *testing.T) {
	b := testBuilder(t, &llm.Fake{})
	c, err := b.Deployment(state.New("demo"))
	require.NoError(t, err)
	assert.Equal(t, []string{"infrastructure", "packaging", "documentation"}, c.TaskOrder())
}

func TestSourceListingTruncates(t *testing.T) {
	snapshot := state.New("demo")
	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	snapshot.Files = []state.CodeFile{{Path: "big.py", Language: "python", Content: string(long)}}

	listing := sourceListing(snapshot)
	assert.Contains(t, listing, "big.py")
	assert.Contains(t, listing, "(truncated)")
	assert.Less(t, len(listing), 5000)
}
