package worker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RickZee/ai-team/internal/state"
)

func TestCoercePlainJSON(t *testing.T) {
	var req state.Requirements
	err := Coerce(`{"project_name": "todo", "description": "a list", "confidence": 0.9}`, &req)
	require.NoError(t, err)
	assert.Equal(t, "todo", req.ProjectName)
	assert.Equal(t, 0.9, req.Confidence)
}

func TestCoerceFencedJSON(t *testing.T) {
	text := "Here is the requirements document:\n```json\n{\"project_name\": \"todo\"}\n```\nLet me know if anything is unclear."
	var req state.Requirements
	require.NoError(t, Coerce(text, &req))
	assert.Equal(t, "todo", req.ProjectName)
}

func TestCoerceEmbeddedObject(t *testing.T) {
	text := `Sure! The file is {"path": "app/main.py", "content": "x = \"{\"", "language": "python", "kind": "source"} as requested.`
	var f state.CodeFile
	require.NoError(t, Coerce(text, &f))
	assert.Equal(t, "app/main.py", f.Path)
	assert.Equal(t, `x = "{"`, f.Content, "braces inside strings must not confuse the scanner")
}

func TestCoerceFailure(t *testing.T) {
	var req state.Requirements
	err := Coerce("I could not produce the document, sorry.", &req)
	require.Error(t, err)

	var shapeErr *ShapeError
	require.True(t, errors.As(err, &shapeErr))
	assert.NotEmpty(t, shapeErr.Diagnostic)

	assert.Error(t, Coerce("", &req))
	assert.Error(t, Coerce("   \n  ", &req))
}

func TestExtractToolCall(t *testing.T) {
	call, rest := extractToolCall("thinking...\n```tool\n{\"tool\": \"read_file\", \"args\": {\"path\": \"a.py\"}}\n```\ndone")
	require.NotNil(t, call)
	assert.Equal(t, "read_file", call.Tool)
	assert.Contains(t, rest, "thinking...")
	assert.NotContains(t, rest, "read_file")

	call, _ = extractToolCall("no tools here")
	assert.Nil(t, call)

	// Malformed JSON in a tool block is treated as prose.
	call, rest = extractToolCall("```tool\nnot json\n```")
	assert.Nil(t, call)
	assert.Contains(t, rest, "not json")
}
