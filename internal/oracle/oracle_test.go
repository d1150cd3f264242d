package oracle

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketship-ai/qapilot/internal/action"
	"github.com/rocketship-ai/qapilot/internal/llm"
)

type fakeCompleter struct {
	reply   string
	err     error
	content []llm.ContentBlock
}

func (f *fakeCompleter) Complete(_ context.Context, _ string, content ...llm.ContentBlock) (string, error) {
	f.content = content
	return f.reply, f.err
}

func TestDecide(t *testing.T) {
	fc := &fakeCompleter{reply: "```json\n{\"type\":\"done\",\"result\":\"Login succeeded\"}\n```"}
	o := New(fc, 0, nil)

	history := []action.Action{action.Click{X: 5, Y: 6}, action.Type{Text: "hi"}}
	got, err := o.Decide(context.Background(), "Log in", []byte{1, 2, 3}, history)
	require.NoError(t, err)
	assert.Equal(t, action.Done{Result: "Login succeeded"}, got)

	require.Len(t, fc.content, 2)
	assert.Equal(t, "image", fc.content[0].Type)
	assert.Equal(t, "image/jpeg", fc.content[0].Source.MediaType)
	assert.Contains(t, fc.content[1].Text, "**Task**: Log in")
	assert.Contains(t, fc.content[1].Text, `Step 2: type {"type":"type","text":"hi"}`)
}

func TestDecide_ParseError(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"prose only", "I think you should click the button."},
		{"unknown tag", `{"type":"hover","x":1,"y":1}`},
		{"missing fields", `{"type":"click"}`},
		{"broken json", `{"type":"click", x: }`},
		{"two actions", `{"type":"click","x":1,"y":2} {"type":"done","result":"ok"}`},
		{"hedged reply", `{"type":"done","result":"ok"} then maybe {"type":"failed","reason":"x"}`},
		{"extra brace", `{"type":"click","x":1,"y":2}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := New(&fakeCompleter{reply: tt.reply}, 0, nil)
			_, err := o.Decide(context.Background(), "task", nil, nil)
			var pe *ParseError
			require.True(t, errors.As(err, &pe), "got %v", err)
			assert.Equal(t, tt.reply, pe.Response)
		})
	}
}

func TestParseResponse_RejectsMoreThanOneAction(t *testing.T) {
	_, err := ParseResponse("```json\n{\"type\":\"click\",\"x\":1,\"y\":2}\n{\"type\":\"done\",\"result\":\"ok\"}\n```")
	var pe *ParseError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.ErrorIs(t, err, action.ErrTrailingData)
}

func TestDecide_TransportErrorIsNotParseError(t *testing.T) {
	o := New(&fakeCompleter{err: errors.New("connection reset")}, 0, nil)
	_, err := o.Decide(context.Background(), "task", nil, nil)
	require.Error(t, err)
	var pe *ParseError
	assert.False(t, errors.As(err, &pe))
	assert.Contains(t, err.Error(), "connection reset")
}

func TestFormatHistory(t *testing.T) {
	assert.Equal(t, "None", FormatHistory(nil))

	out := FormatHistory([]action.Action{action.Scroll{DY: 100}})
	assert.True(t, strings.HasPrefix(out, "Step 1: scroll "))
	assert.Contains(t, BuildPrompt("t", nil), "**Actions so far**:\nNone")
}
