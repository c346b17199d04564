package core

import (
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/minipilot/minipilot/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToGeminiHistory(t *testing.T) {
	contents := toGeminiHistory([]store.HistoryMessage{
		{Type: store.MessageAI, Content: "left over from trimming"},
		{Type: store.MessageHuman, Content: "best movie?"},
		{Type: store.MessageAI, Content: "Avatar."},
	})

	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, []genai.Part{genai.Text("best movie?")}, contents[0].Parts)
	assert.Equal(t, "model", contents[1].Role)
}

func TestResponseText(t *testing.T) {
	assert.Empty(t, responseText(nil))
	assert.Empty(t, responseText(&genai.GenerateContentResponse{}))

	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{genai.Text("Hello"), genai.Text(" there")}},
	}}}
	assert.Equal(t, "Hello there", responseText(resp))
}

func TestCleanTitle(t *testing.T) {
	assert.Equal(t, "Sci-Fi Movie Picks", cleanTitle("\"Sci-Fi Movie Picks.\"\n"))
}
