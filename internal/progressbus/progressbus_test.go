package progressbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threeequarter/filings-rag/internal/domain"
)

func TestSubscribe_ReceivesOnlyOwnConversationEvents(t *testing.T) {
	b := New()

	chA, cancelA := b.Subscribe("conv-a")
	defer cancelA()
	chB, cancelB := b.Subscribe("conv-b")
	defer cancelB()

	b.PublishProgress("conv-a", ProgressUpdate{Stage: domain.StatusDownloading, ProgressPercent: 10, Timestamp: time.Now()})

	select {
	case ev := <-chA:
		assert.Equal(t, EventProcessingUpdate, ev.Kind)
		assert.Equal(t, "conv-a", ev.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("expected an event on conv-a's channel")
	}

	select {
	case ev := <-chB:
		t.Fatalf("conv-b should not have received conv-a's event: %+v", ev)
	default:
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("conv-a")
	require.Equal(t, 1, b.SubscriberCount("conv-a"))

	cancel()
	require.Equal(t, 0, b.SubscriberCount("conv-a"))

	_, open := <-ch
	assert.False(t, open)
}

func TestPublish_MultipleSubscribersAllReceive(t *testing.T) {
	b := New()
	ch1, cancel1 := b.Subscribe("conv-a")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("conv-a")
	defer cancel2()

	b.PublishCompletion("conv-a", Completion{TotalDocuments: 3, SuccessfulDocuments: 3, CompletedAt: time.Now()})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventProcessingComplete, ev.Kind)
			assert.Equal(t, 3, ev.Completion.TotalDocuments)
		case <-time.After(time.Second):
			t.Fatal("expected both subscribers to receive the completion event")
		}
	}
}
