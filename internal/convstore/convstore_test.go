package convstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threeequarter/filings-rag/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendMessage_MonotonicTimestamps(t *testing.T) {
	s := newTestStore(t)
	conv, err := s.CreateConversation("10-K questions", "user-1", nil)
	require.NoError(t, err)

	first, err := s.AppendMessage(domain.Message{ConversationID: conv.ID, Role: domain.RoleUser, Content: "hi"})
	require.NoError(t, err)

	second, err := s.AppendMessage(domain.Message{ConversationID: conv.ID, Role: domain.RoleAssistant, Content: "hello"})
	require.NoError(t, err)

	assert.True(t, second.Timestamp.After(first.Timestamp),
		"the assistant message's timestamp must be strictly after the user message it answers")
}

func TestListMessages_ChronologicalOrder(t *testing.T) {
	s := newTestStore(t)
	conv, err := s.CreateConversation("chat", "user-1", nil)
	require.NoError(t, err)

	for _, content := range []string{"one", "two", "three"} {
		_, err := s.AppendMessage(domain.Message{ConversationID: conv.ID, Role: domain.RoleUser, Content: content})
		require.NoError(t, err)
	}

	messages, err := s.ListMessages(conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{messages[0].Content, messages[1].Content, messages[2].Content})
}

func TestSetIngestionStatus_UpdatesMirrorAndTimestamp(t *testing.T) {
	s := newTestStore(t)
	conv, err := s.CreateConversation("chat", "user-1", nil)
	require.NoError(t, err)
	require.Nil(t, conv.IngestionStatus)

	require.NoError(t, s.SetIngestionStatus(conv.ID, domain.StatusCompleted))

	updated, err := s.GetConversation(conv.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.IngestionStatus)
	assert.Equal(t, domain.StatusCompleted, *updated.IngestionStatus)
	assert.True(t, updated.UpdatedAt.After(conv.UpdatedAt) || updated.UpdatedAt.Equal(conv.UpdatedAt))
}

func TestGetConversation_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetConversation("missing")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}
