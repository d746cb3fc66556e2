package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkIsFIFO(t *testing.T) {
	sink := NewSink("s1")
	sink.Emit(UserMessage("hi"))
	sink.Emit(Processing())
	sink.Emit(AgentResponse("hello"))
	require.Equal(t, 3, sink.Len())

	ctx := context.Background()
	var got []Type
	for i := 0; i < 3; i++ {
		e, ok := sink.Next(ctx)
		require.True(t, ok)
		assert.Equal(t, "s1", e.SessionID)
		assert.NotEmpty(t, e.ID)
		got = append(got, e.Type)
	}
	assert.Equal(t, []Type{TypeUserMessage, TypeProcessing, TypeAgentResponse}, got)
}

func TestSinkCloseDrainsThenStops(t *testing.T) {
	sink := NewSink("s1")
	sink.Emit(System("one"))
	sink.Close()
	sink.Emit(System("dropped"))

	e, ok := sink.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, "one", e.String("message"))

	_, ok = sink.Next(context.Background())
	assert.False(t, ok)
}

func TestSinkNextHonoursContext(t *testing.T) {
	sink := NewSink("s1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := sink.Next(ctx)
	assert.False(t, ok)
}

func TestSinkConcurrentProducers(t *testing.T) {
	sink := NewSink("s1")
	const producers, perProducer = 8, 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				sink.Emit(Processing())
			}
		}()
	}

	received := make(chan int)
	go func() {
		n := 0
		for {
			if _, ok := sink.Next(context.Background()); !ok {
				received <- n
				return
			}
			n++
		}
	}()

	wg.Wait()
	sink.Close()
	assert.Equal(t, producers*perProducer, <-received)
}

func TestForwarderRunsHandlersInOrder(t *testing.T) {
	sink := NewSink("s1")

	var mu sync.Mutex
	var first, second []Type
	failing := HandlerFunc(func(ctx context.Context, e Event) error {
		mu.Lock()
		first = append(first, e.Type)
		mu.Unlock()
		return errors.New("store unavailable")
	})
	recording := HandlerFunc(func(ctx context.Context, e Event) error {
		mu.Lock()
		second = append(second, e.Type)
		mu.Unlock()
		return nil
	})

	fwd := NewForwarder(sink, failing, recording)
	fwd.Start(context.Background())

	sink.Emit(ToolCall("c1", "bash", map[string]any{"command": "ls"}))
	sink.Emit(ToolResult("c1", "bash", "a.txt", false))
	sink.Close()

	select {
	case <-fwd.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not stop")
	}

	want := []Type{TypeToolCall, TypeToolResult}
	assert.Equal(t, want, first)
	assert.Equal(t, want, second)
}

func TestWithCopiesContent(t *testing.T) {
	base := ToolResult("c1", "bash", "a.txt", false)
	got := base.With("summary", "Listed 1 file")

	assert.Equal(t, "Listed 1 file", got.String("summary"))
	assert.Equal(t, "a.txt", got.String("result"))
	assert.NotContains(t, base.Content, "summary")
	assert.Equal(t, base.ID, got.ID)
}

func TestCodecPreservesEvent(t *testing.T) {
	e := ToolCall("c1", "bash", map[string]any{"command": "ls", "timeout": 5})
	e.SessionID = "s1"

	data, err := Marshal(e)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, TypeToolCall, got.Type)
	assert.True(t, e.Time.Equal(got.Time))
	assert.Equal(t, "bash", got.String("tool_name"))

	input, ok := got.Content["tool_input"].(map[string]any)
	require.True(t, ok, "tool_input decodes as map[string]any, got %T", got.Content["tool_input"])
	assert.Equal(t, "ls", input["command"])

	again, err := Marshal(e)
	require.NoError(t, err)
	assert.Equal(t, data, again, "encoding is deterministic")
}

func TestUnmarshalContentEmpty(t *testing.T) {
	content, err := UnmarshalContent(nil)
	require.NoError(t, err)
	assert.Empty(t, content)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "agent.s1.tool_call", SubjectForEvent("s1", TypeToolCall))
	assert.Equal(t, "agent.s1.>", SubjectForSession("s1"))
}

func TestNATSPublisherOverEmbeddedBroker(t *testing.T) {
	ctx := context.Background()
	broker, err := StartEmbedded(ctx, EmbeddedOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Shutdown(ctx) })

	sub, err := broker.Conn().SubscribeSync(SubjectForSession("s1"))
	require.NoError(t, err)
	require.NoError(t, broker.Conn().Flush())

	sink := NewSink("s1")
	fwd := NewForwarder(sink, NewNATSPublisher(broker.Conn()))
	fwd.Start(ctx)

	sink.Emit(AgentResponse("done"))
	sink.Close()
	<-fwd.Done()

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "agent.s1.agent_response", msg.Subject)

	e, err := Unmarshal(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, "done", e.String("text"))
}
