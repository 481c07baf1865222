package supervisor

import (
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTerm feeds scripted output to the reader loop and records writes.
type fakeTerm struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu      sync.Mutex
	written []byte
}

func newFakeTerm() *fakeTerm {
	pr, pw := io.Pipe()
	return &fakeTerm{pr: pr, pw: pw}
}

func (f *fakeTerm) Read(p []byte) (int, error) { return f.pr.Read(p) }

func (f *fakeTerm) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, p...)
	return len(p), nil
}

func (f *fakeTerm) Close() error {
	f.pw.Close()
	return f.pr.Close()
}

func (f *fakeTerm) emit(s string) {
	_, _ = f.pw.Write([]byte(s))
}

func (f *fakeTerm) sent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.written)
}

func startFakeSession(t *testing.T) (*Session, *fakeTerm) {
	t.Helper()
	term := newFakeTerm()
	sess := newSession("abcd1234", "/tmp", false, term, nil)
	go sess.readLoop()
	t.Cleanup(func() { term.Close() })
	return sess, term
}

func waitForBuffer(t *testing.T, s *Session, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.bufferLen() < n {
		if time.Now().After(deadline) {
			t.Fatalf("buffer never reached %d bytes (have %d)", n, s.bufferLen())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScrub(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"csi colors", "\x1b[31mred\x1b[0m text", "red text"},
		{"cursor moves", "a\x1b[2Ab", "ab"},
		{"osc title bel", "\x1b]0;my title\x07visible", "visible"},
		{"osc title st", "\x1b]0;my title\x1b\\visible", "visible"},
		{"charset select", "\x1b(Bhello", "hello"},
		{"control chars", "a\x01b\x02c\nd\te", "abc\nd\te"},
		{"blank line collapse", "a\n\n\n\n\n\nb", "a\n\n\nb"},
		{"trim", "  \n body \n ", "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Scrub(tt.in))
		})
	}
}

func TestTranslateKey(t *testing.T) {
	seq, ok := TranslateKey("up")
	assert.True(t, ok)
	assert.Equal(t, "\x1b[A", seq)

	seq, ok = TranslateKey(" Enter ")
	assert.True(t, ok)
	assert.Equal(t, "\r", seq)

	seq, ok = TranslateKey("ctrl+c")
	assert.True(t, ok)
	assert.Equal(t, "\x03", seq)

	seq, ok = TranslateKey("ctrl+z")
	assert.True(t, ok)
	assert.Equal(t, "\x1a", seq)

	seq, ok = TranslateKey("hello world")
	assert.False(t, ok)
	assert.Equal(t, "hello world", seq)
}

func TestReadSuffixTruncation(t *testing.T) {
	sess, term := startFakeSession(t)
	term.emit(strings.Repeat("x", 100) + "TAIL")
	waitForBuffer(t, sess, 104)

	out := sess.Read(50, 0)
	assert.Equal(t, 104, out.TotalChars)
	assert.True(t, out.Truncated)
	assert.Len(t, out.Text, 50)
	assert.True(t, strings.HasSuffix(out.Text, "TAIL"), "truncation must keep the suffix")
}

func TestReadOffsetPagination(t *testing.T) {
	sess, term := startFakeSession(t)
	term.emit("0123456789")
	waitForBuffer(t, sess, 10)

	out := sess.Read(4, 2)
	assert.Equal(t, "2345", out.Text)
	assert.True(t, out.Truncated)
	assert.Equal(t, 6, out.NextOffset)

	out = sess.Read(4, 6)
	assert.Equal(t, "6789", out.Text)
	assert.False(t, out.Truncated)
	assert.Zero(t, out.NextOffset)
}

func TestReadCapsMaxChars(t *testing.T) {
	sess, term := startFakeSession(t)
	term.emit("abc")
	waitForBuffer(t, sess, 3)

	// 0 means "as much as allowed", never unlimited.
	out := sess.Read(0, 0)
	assert.Equal(t, "abc", out.Text)

	out = sess.Read(MaxCharsLimit*2, 0)
	assert.Equal(t, "abc", out.Text)
}

func TestWaitForIdleFramesResponse(t *testing.T) {
	sess, term := startFakeSession(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		term.emit("response body")
	}()

	got := sess.WaitForIdle(10*time.Millisecond, 3*time.Second)
	assert.Equal(t, "response body", got)
}

func TestWaitForIdleTimesOutWithoutOutput(t *testing.T) {
	sess, _ := startFakeSession(t)

	start := time.Now()
	got := sess.WaitForIdle(10*time.Millisecond, 350*time.Millisecond)
	assert.Empty(t, got)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSendKeysWritesSequences(t *testing.T) {
	sess, term := startFakeSession(t)

	res, err := sess.SendKeys([]string{"down", "down", "enter", "y"}, SendOptions{Wait: false})
	require.NoError(t, err)
	assert.Equal(t, []string{"[down]", "[down]", "[enter]", "y"}, res.KeysSent)
	assert.Equal(t, "\x1b[B\x1b[B\ry", term.sent())
}

func TestSendWritesMessageThenEnter(t *testing.T) {
	sess, term := startFakeSession(t)

	res, err := sess.Send("hello", SendOptions{Wait: false})
	require.NoError(t, err)
	assert.True(t, res.MessageSent)
	assert.Equal(t, 1, res.MessagesSent)
	assert.Equal(t, "hello\r", term.sent())
}

func TestSuppressEcho(t *testing.T) {
	resp := "> run the tests\nok, running them now"
	assert.Equal(t, "ok, running them now", suppressEcho(resp, "run the tests"))

	// Only the first matching line is dropped.
	resp = "run the tests\nI will run the tests now"
	assert.Equal(t, "I will run the tests now", suppressEcho(resp, "run the tests"))

	// If suppression would erase everything, keep the original.
	assert.Equal(t, "run the tests", suppressEcho("run the tests", "run the tests"))
}

func TestStopSnapshotsFinalOutput(t *testing.T) {
	sess, term := startFakeSession(t)
	term.emit("last words")
	waitForBuffer(t, sess, 10)

	final := sess.stop()
	assert.Equal(t, "last words", final)
	assert.False(t, sess.Alive())
}

func TestRegistryGetAndStop(t *testing.T) {
	r := NewRegistry()
	term := newFakeTerm()
	sess := newSession("deadbeef", "/tmp", false, term, nil)
	r.sessions[sess.ID] = sess

	got, err := r.Get("deadbeef")
	require.NoError(t, err)
	assert.Same(t, sess, got)

	stopped, err := r.Stop("deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "stopped", stopped.Status)

	_, err = r.Get("deadbeef")
	assert.Error(t, err)
	_, err = r.Stop("deadbeef")
	assert.Error(t, err)
}
