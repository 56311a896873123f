package stream

import (
	"bytes"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/folio-agent/internal/domain"
)

func TestEncoderWritesWireFormat(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	enc := NewSSEEncoder(rec)

	require.NoError(t, enc.Encode(domain.TokenEvent("partial text fragment")))
	require.NoError(t, enc.Encode(domain.ToolStartEvent("dividend_screener")))
	require.NoError(t, enc.Encode(domain.ErrorEvent("description")))

	want := "event: token\ndata: {\"content\":\"partial text fragment\"}\n\n" +
		"event: tool_start\ndata: {\"tool\":\"dividend_screener\"}\n\n" +
		"event: error\ndata: {\"message\":\"description\"}\n\n"
	assert.Equal(t, want, rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestEncoderGrammar(t *testing.T) {
	t.Parallel()

	enc := NewSSEEncoder(io.Discard)
	require.NoError(t, enc.Encode(domain.TokenEvent("a")))
	require.NoError(t, enc.Encode(domain.ToolStartEvent("x")))

	err := enc.Encode(domain.TokenEvent("b"))
	assert.ErrorIs(t, err, ErrOutOfOrder)

	require.NoError(t, enc.Encode(domain.DoneEvent(domain.DonePayload{ConversationID: "c"})))
	assert.True(t, enc.Closed())
	assert.ErrorIs(t, enc.Encode(domain.TokenEvent("late")), ErrStreamClosed)
	assert.ErrorIs(t, enc.Encode(domain.ErrorEvent("late")), ErrStreamClosed)
	assert.ErrorIs(t, enc.Keepalive(), ErrStreamClosed)
}

func TestEncoderRejectsEmptyPayload(t *testing.T) {
	t.Parallel()

	enc := NewSSEEncoder(io.Discard)
	assert.ErrorIs(t, enc.Encode(domain.StreamEvent{Type: domain.EventDone}), domain.ErrInvalidEvent)
	assert.False(t, enc.Closed())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestEncoderWriteFailureCloses(t *testing.T) {
	t.Parallel()

	enc := NewSSEEncoder(failingWriter{})
	require.Error(t, enc.Encode(domain.TokenEvent("a")))
	assert.ErrorIs(t, enc.Encode(domain.TokenEvent("b")), ErrStreamClosed)
}

func TestKeepaliveIsComment(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := NewSSEEncoder(&buf)
	require.NoError(t, enc.Keepalive())
	assert.Equal(t, ": ping\n\n", buf.String())
}

func TestSplitTokensConcatenation(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"",
		"short",
		"Your portfolio is worth $10,500.00 across 3 accounts.\n\nDividends: 4.2%",
		strings.Repeat("x", 100),
		"héllo wörld ñ 日本語のテキストです 🙂 done",
	}
	for _, in := range inputs {
		for size := 1; size <= 40; size++ {
			parts := SplitTokens(in, size)
			assert.Equal(t, in, strings.Join(parts, ""), "size %d", size)
			for _, p := range parts {
				assert.NotEmpty(t, p)
			}
		}
	}
	assert.Nil(t, SplitTokens("", 10))
}

func TestWriteTurnRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := NewSSEEncoder(&buf)
	content := "JNJ yields 3.12% today.\n\nThis is informational only."
	done := domain.DonePayload{
		ConversationID: "conv-1",
		Confidence:     0.91,
		ToolsUsed:      []string{"dividend_screener"},
		Metrics:        domain.AgentMetrics{Iterations: 2, Success: true},
		TraceID:        "trace-1",
	}
	require.NoError(t, enc.WriteTurn(content, 7, done))

	r := NewReader(&buf)
	var got strings.Builder
	var types []domain.EventType
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		types = append(types, ev.Type)
		if ev.Type == domain.EventToken {
			got.WriteString(ev.Token.Content)
		}
		if ev.Type == domain.EventDone {
			assert.Equal(t, "conv-1", ev.Done.ConversationID)
			assert.Equal(t, []string{"dividend_screener"}, ev.Done.ToolsUsed)
		}
	}
	assert.Equal(t, content, got.String())
	assert.Equal(t, domain.EventToolStart, types[len(types)-2])
	assert.Equal(t, domain.EventDone, types[len(types)-1])
}

func TestDecoderPartialReads(t *testing.T) {
	t.Parallel()

	wire := "event: token\ndata: {\"content\":\"Hel\"}\n\n" +
		": ping\n\n" +
		"event: token\r\ndata: {\"content\":\"lo\"}\r\n\r\n" +
		"event: done\ndata: {\"conversation_id\":\"c\",\"confidence\":0.8,\"tools_used\":[],\"metrics\":{}}\n\n"

	r := NewReader(iotest.OneByteReader(strings.NewReader(wire)))
	var events []domain.StreamEvent
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
	require.Len(t, events, 3)
	assert.Equal(t, "Hel", events[0].Token.Content)
	assert.Equal(t, "lo", events[1].Token.Content)
	assert.Equal(t, domain.EventDone, events[2].Type)
}

func TestDecoderSkipsMalformed(t *testing.T) {
	t.Parallel()

	var d Decoder
	events, err := d.Feed([]byte("event: token\ndata: {broken\n\nevent: token\ndata: {\"content\":\"ok\"}\n\ndata: {\"content\":\"no type\"}\n\nevent: tok"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].Token.Content)
	assert.Equal(t, 2, d.Malformed())
	assert.True(t, d.Pending())

	events, err = d.Feed([]byte("en\ndata: {\"content\":\"tail\"}\n"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "tail", events[0].Token.Content)
	assert.False(t, d.Pending())
}

func TestDecoderLineTooLong(t *testing.T) {
	t.Parallel()

	var d Decoder
	_, err := d.Feed(bytes.Repeat([]byte("a"), MaxLineBytes+1))
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestReaderSurfacesTransportError(t *testing.T) {
	t.Parallel()

	wire := "event: token\ndata: {\"content\":\"a\"}\n\n"
	src := io.MultiReader(strings.NewReader(wire), iotest.ErrReader(io.ErrUnexpectedEOF))
	r := NewReader(src)

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", ev.Token.Content)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	raw, err := MarshalFrame(domain.EventToolStart, []byte(`{"tool":"tax_estimate"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"tool_start","data":{"tool":"tax_estimate"}}`, string(raw))

	ev, err := UnmarshalFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, "tax_estimate", ev.ToolStart.Tool)

	_, err = UnmarshalFrame([]byte(`nope`))
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
}
