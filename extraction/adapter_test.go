package extraction

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/room4-2/bookingline/catalog"
	"github.com/room4-2/bookingline/conversation"
)

type recordingModel struct {
	calls  int
	system string
	user   string
	reply  string
	err    error
}

func (m *recordingModel) Generate(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	m.calls++
	m.system = systemPrompt
	m.user = userMessage
	return m.reply, m.err
}

func history(contents ...string) []conversation.Entry {
	out := make([]conversation.Entry, 0, len(contents))
	for i, c := range contents {
		role := conversation.RoleUser
		if i%2 == 1 {
			role = conversation.RoleAssistant
		}
		out = append(out, conversation.Entry{Role: role, Content: c})
	}
	return out
}

func TestExtractParsesWellFormedReply(t *testing.T) {
	m := &recordingModel{reply: `{"response":"Thanks Alice!","info_extracted":{"name":"Alice Nguyen"},"info_complete":true,"analysis":"clear name"}`}
	a := NewAdapter(m)

	res := a.Extract(context.Background(), conversation.FieldName, nil, "it's Alice Nguyen")

	require.Equal(t, 1, m.calls)
	require.True(t, res.InfoComplete)
	v, ok := res.Value(conversation.FieldName)
	require.True(t, ok)
	require.Equal(t, "Alice Nguyen", v)
	require.Equal(t, "Thanks Alice!", res.Response)
	require.Contains(t, m.system, "full name")
	require.Contains(t, m.system, "JSON object")
	require.Equal(t, "history: (none)\n\ncurrent input: it's Alice Nguyen", m.user)
}

func TestExtractSendsOnlyHistoryWindow(t *testing.T) {
	m := &recordingModel{reply: `{"response":"ok","info_extracted":{"phone":null},"info_complete":false,"analysis":""}`}
	a := NewAdapter(m, WithHistoryWindow(3))

	a.Extract(context.Background(), conversation.FieldPhone, history("one", "two", "three", "four", "five"), "six")

	require.NotContains(t, m.user, "one")
	require.NotContains(t, m.user, "two")
	require.Contains(t, m.user, "User: three\nAssistant: four\nUser: five")
	require.True(t, strings.HasSuffix(m.user, "current input: six"))
}

func TestExtractFallsBackOnModelError(t *testing.T) {
	m := &recordingModel{err: errors.New("401 unauthorized")}
	res := NewAdapter(m).Extract(context.Background(), conversation.FieldPhone, nil, "0412345678")

	require.False(t, res.InfoComplete)
	_, ok := res.Value(conversation.FieldPhone)
	require.False(t, ok)
	require.Contains(t, res.Response, "Sorry")
	require.Contains(t, res.Analysis, "401 unauthorized")
}

func TestExtractFallsBackOnTimeout(t *testing.T) {
	slow := ModelFunc(func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	res := NewAdapter(slow, WithTimeout(20*time.Millisecond)).Extract(context.Background(), conversation.FieldName, nil, "Alice")

	require.False(t, res.InfoComplete)
	require.Contains(t, res.Analysis, "timed out")
}

func TestExtractFallsBackOnGarbage(t *testing.T) {
	for _, raw := range []string{
		"Sure! The caller's name is Alice.",
		`{"info_extracted":{"name":"Alice"},"info_complete":true}`,
		`{"response":"hi","info_complete":true}`,
		`{"response":"hi","info_extracted":{"name":true},"info_complete":true}`,
		`{"response": "hi", "info_extracted": `,
	} {
		res := NewAdapter(&recordingModel{reply: raw}).Extract(context.Background(), conversation.FieldName, nil, "Alice")
		require.False(t, res.InfoComplete, raw)
		require.Contains(t, res.Analysis, "unparseable", raw)
	}
}

func TestParseToleratesFencesAndNumbers(t *testing.T) {
	raw := "```json\n{\"response\":\"Got it\",\"info_extracted\":{\"phone\":61412345678},\"info_complete\":true,\"analysis\":\"digits\"}\n```"
	res, err := Parse(conversation.FieldPhone, raw)
	require.NoError(t, err)
	v, ok := res.Value(conversation.FieldPhone)
	require.True(t, ok)
	require.Equal(t, "61412345678", v)
}

func TestParseKeepsOnlyRequestedField(t *testing.T) {
	raw := `{"response":"Thanks","info_extracted":{"phone":"0412345678","service":"clean"},"info_complete":true,"analysis":""}`
	res, err := Parse(conversation.FieldPhone, raw)
	require.NoError(t, err)
	require.Len(t, res.InfoExtracted, 1)
	_, ok := res.Value(conversation.FieldService)
	require.False(t, ok)
}

func TestParseTreatsNullStringAsAbsent(t *testing.T) {
	res, err := Parse(conversation.FieldName, `{"response":"Name?","info_extracted":{"name":"null"},"info_complete":false,"analysis":""}`)
	require.NoError(t, err)
	_, ok := res.Value(conversation.FieldName)
	require.False(t, ok)
}

func TestSystemPromptMentionsCatalog(t *testing.T) {
	c := catalog.New("Acme Gardens", []string{"mowing"}, []string{"saturday"})
	p := SystemPrompt(conversation.FieldService, c)
	require.Contains(t, p, "Acme Gardens")
	require.Contains(t, p, "mowing")
	require.Contains(t, p, `"info_extracted": {"service"`)
}

func TestEveryFieldHasPrompts(t *testing.T) {
	for _, f := range conversation.Fields {
		require.NotEmpty(t, Question(f), f)
		require.NotEmpty(t, RetryPrompt(f), f)
	}
}
