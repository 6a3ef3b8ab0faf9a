package anthropic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arke-labs/klados-cluster/internal/model"
)

func TestExtractSystemPrompt_MergesMultipleSystemMessages(t *testing.T) {
	messages := []model.Message{
		{Role: model.RoleSystem, Content: "rule one"},
		{Role: model.RoleUser, Content: "hi"},
		{Role: model.RoleSystem, Content: "rule two"},
		{Role: model.RoleAssistant, Content: "hello"},
	}

	system, rest := extractSystemPrompt(messages)
	assert.Equal(t, "rule one\n\nrule two", system)
	require.Len(t, rest, 2)
	assert.Equal(t, model.RoleUser, rest[0].Role)
	assert.Equal(t, model.RoleAssistant, rest[1].Role)
}

func TestExtractSystemPrompt_NoSystemMessage(t *testing.T) {
	messages := []model.Message{{Role: model.RoleUser, Content: "hi"}}
	system, rest := extractSystemPrompt(messages)
	assert.Equal(t, "", system)
	assert.Equal(t, messages, rest)
}

func TestConvertToolInput(t *testing.T) {
	assert.Nil(t, convertToolInput(nil))
	assert.Equal(t, map[string]any{"a": "b"}, convertToolInput(map[string]any{"a": "b"}))
	assert.Equal(t, map[string]any{"_raw": 42}, convertToolInput(42))
}

type fakeAnthropicClient struct {
	gotSystemPrompt string
	gotMessages     []model.Message
	gotTools        []model.ToolSpec
	out             model.ChatOut
	err             error
}

func (f *fakeAnthropicClient) createMessage(ctx context.Context, systemPrompt string, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	f.gotSystemPrompt = systemPrompt
	f.gotMessages = messages
	f.gotTools = tools
	return f.out, f.err
}

func TestChatModel_Chat_SplitsSystemPromptAndDelegates(t *testing.T) {
	fake := &fakeAnthropicClient{out: model.ChatOut{Text: "reply"}}
	m := &ChatModel{client: fake}

	out, err := m.Chat(context.Background(), []model.Message{
		{Role: model.RoleSystem, Content: "be terse"},
		{Role: model.RoleUser, Content: "describe this cluster"},
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "reply", out.Text)
	assert.Equal(t, "be terse", fake.gotSystemPrompt)
	require.Len(t, fake.gotMessages, 1)
	assert.Equal(t, "describe this cluster", fake.gotMessages[0].Content)
}

func TestChatModel_Chat_ContextAlreadyCancelled(t *testing.T) {
	fake := &fakeAnthropicClient{}
	m := &ChatModel{client: fake}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Chat(ctx, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, fake.gotMessages)
}
