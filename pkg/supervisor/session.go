package supervisor

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Read caps: callers page through larger buffers with offsets.
const (
	DefaultMaxChars = 4000
	MaxCharsLimit   = 20000
)

// terminal is the PTY seam. creack/pty's *os.File satisfies it; tests
// substitute a scripted pipe.
type terminal interface {
	io.Reader
	io.Writer
	io.Closer
}

// process abstracts the child for shutdown signalling.
type process interface {
	Alive() bool
	Interrupt() error
	Terminate() error
	Kill() error
}

// Session is one supervised child CLI on a PTY. The buffer and
// last-data timestamp are owned by the reader goroutine and guarded by
// mu; everything else is written once at start.
type Session struct {
	ID         string
	WorkingDir string
	WithPlugin bool
	CreatedAt  time.Time

	term terminal
	proc process

	mu           sync.Mutex
	buffer       strings.Builder
	alive        bool
	lastDataTime time.Time
	messagesSent int
}

func newSession(id, workingDir string, withPlugin bool, term terminal, proc process) *Session {
	return &Session{
		ID:           id,
		WorkingDir:   workingDir,
		WithPlugin:   withPlugin,
		CreatedAt:    time.Now(),
		term:         term,
		proc:         proc,
		alive:        true,
		lastDataTime: time.Now(),
	}
}

// readLoop pulls 4 KiB chunks from the PTY into the buffer until EOF.
// Runs as a dedicated goroutine per session.
func (s *Session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.term.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.buffer.Write(buf[:n])
			s.lastDataTime = time.Now()
			s.mu.Unlock()
		}
		if err != nil {
			s.mu.Lock()
			s.alive = false
			s.mu.Unlock()
			return
		}
	}
}

// Alive reports whether the child is still attached.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *Session) bufferLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Len()
}

func (s *Session) snapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.String()
}

// IdleSeconds is the time since the PTY last produced data.
func (s *Session) IdleSeconds() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastDataTime).Seconds()
}

// WaitForIdle blocks until the child has produced output and then gone
// quiet for idleThreshold, or the timeout passes. Returns the scrubbed
// output appended since the call started.
func (s *Session) WaitForIdle(idleThreshold, timeout time.Duration) string {
	start := time.Now()
	startPos := s.bufferLen()

	for time.Since(start) < timeout {
		if !s.Alive() {
			break
		}
		s.mu.Lock()
		grown := s.buffer.Len() > startPos
		quiet := time.Since(s.lastDataTime) >= idleThreshold
		s.mu.Unlock()
		if grown && quiet {
			break
		}
		time.Sleep(300 * time.Millisecond)
	}

	full := s.snapshot()
	if startPos > len(full) {
		startPos = len(full)
	}
	return Scrub(full[startPos:])
}

// SendOptions tune Send and SendKeys.
type SendOptions struct {
	Timeout          time.Duration
	Wait             bool
	MaxResponseChars int
}

// SendResult is the envelope for Send and SendKeys.
type SendResult struct {
	SessionID          string   `json:"session_id"`
	MessageSent        bool     `json:"message_sent,omitempty"`
	KeysSent           []string `json:"keys_sent,omitempty"`
	Alive              bool     `json:"alive"`
	MessagesSent       int      `json:"messages_sent,omitempty"`
	Response           string   `json:"response,omitempty"`
	ResponseTruncated  bool     `json:"response_truncated,omitempty"`
	ResponseTotalChars int      `json:"response_total_chars,omitempty"`
}

// Send types a message into the PTY as a user would: text first, a
// short pause, then Enter. With Wait set it returns the idle-framed
// response, dropping the first echoed line of the message itself.
func (s *Session) Send(message string, opts SendOptions) (*SendResult, error) {
	if !s.Alive() {
		return nil, fmt.Errorf("session %s is dead", s.ID)
	}

	s.mu.Lock()
	s.lastDataTime = time.Now()
	s.mu.Unlock()

	if _, err := io.WriteString(s.term, message); err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}
	time.Sleep(200 * time.Millisecond)
	if _, err := io.WriteString(s.term, "\r"); err != nil {
		return nil, fmt.Errorf("write enter: %w", err)
	}

	s.mu.Lock()
	s.messagesSent++
	sent := s.messagesSent
	s.mu.Unlock()

	result := &SendResult{
		SessionID:    s.ID,
		MessageSent:  true,
		Alive:        s.Alive(),
		MessagesSent: sent,
	}
	if !opts.Wait {
		return result, nil
	}

	response := s.WaitForIdle(4*time.Second, opts.Timeout)
	response = suppressEcho(response, message)
	result.Response, result.ResponseTruncated, result.ResponseTotalChars = capResponse(response, opts.MaxResponseChars)
	return result, nil
}

// SendKeys walks the key sequence, translating names through the key
// table and typing everything else verbatim, with a short pause between
// keys to debounce the PTY.
func (s *Session) SendKeys(keys []string, opts SendOptions) (*SendResult, error) {
	if !s.Alive() {
		return nil, fmt.Errorf("session %s is dead", s.ID)
	}

	s.mu.Lock()
	s.lastDataTime = time.Now()
	s.mu.Unlock()

	var sent []string
	for _, key := range keys {
		seq, named := TranslateKey(key)
		if _, err := io.WriteString(s.term, seq); err != nil {
			return nil, fmt.Errorf("write key %q: %w", key, err)
		}
		if named {
			sent = append(sent, "["+key+"]")
		} else {
			sent = append(sent, key)
		}
		time.Sleep(150 * time.Millisecond)
	}

	s.mu.Lock()
	s.messagesSent++
	s.mu.Unlock()

	result := &SendResult{
		SessionID: s.ID,
		KeysSent:  sent,
		Alive:     s.Alive(),
	}
	if !opts.Wait {
		return result, nil
	}

	response := s.WaitForIdle(4*time.Second, opts.Timeout)
	result.Response, result.ResponseTruncated, result.ResponseTotalChars = capResponse(response, opts.MaxResponseChars)
	return result, nil
}

// ReadOutput is the non-blocking view of the session buffer.
type ReadOutput struct {
	Text       string `json:"text"`
	TotalChars int    `json:"total_chars"`
	Truncated  bool   `json:"truncated"`
	Showing    string `json:"showing,omitempty"`
	NextOffset int    `json:"next_offset,omitempty"`
}

// Read returns the scrubbed buffer without blocking. Without an offset
// the last maxChars win (most recent output is most useful); with an
// offset it slices forward for pagination.
func (s *Session) Read(maxChars, offset int) ReadOutput {
	cleaned := Scrub(s.snapshot())
	total := len(cleaned)

	if maxChars <= 0 {
		maxChars = MaxCharsLimit
	}
	if maxChars > MaxCharsLimit {
		maxChars = MaxCharsLimit
	}

	if offset > 0 {
		if offset > total {
			offset = total
		}
		end := offset + maxChars
		if end > total {
			end = total
		}
		out := ReadOutput{
			Text:       cleaned[offset:end],
			TotalChars: total,
			Truncated:  total > end,
			Showing:    fmt.Sprintf("chars %d-%d of %d", offset, end, total),
		}
		if total > end {
			out.NextOffset = end
		}
		return out
	}

	if total <= maxChars {
		return ReadOutput{Text: cleaned, TotalChars: total}
	}
	return ReadOutput{
		Text:       cleaned[total-maxChars:],
		TotalChars: total,
		Truncated:  true,
		Showing:    fmt.Sprintf("last %d of %d chars", maxChars, total),
	}
}

// Status is the lightweight metadata view.
type Status struct {
	SessionID     string  `json:"session_id"`
	Alive         bool    `json:"alive"`
	MessagesSent  int     `json:"messages_sent"`
	BufferSize    int     `json:"buffer_size"`
	IdleSeconds   float64 `json:"idle_seconds"`
	WorkingDir    string  `json:"working_dir"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		SessionID:     s.ID,
		Alive:         s.alive,
		MessagesSent:  s.messagesSent,
		BufferSize:    s.buffer.Len(),
		IdleSeconds:   roundTenth(time.Since(s.lastDataTime).Seconds()),
		WorkingDir:    s.WorkingDir,
		UptimeSeconds: roundTenth(time.Since(s.CreatedAt).Seconds()),
	}
}

// stop escalates: interrupt, grace, terminate, grace, kill. Returns the
// scrubbed last 2000 chars of output.
func (s *Session) stop() string {
	s.mu.Lock()
	s.alive = false
	s.mu.Unlock()

	if s.proc != nil && s.proc.Alive() {
		_ = s.proc.Interrupt()
		time.Sleep(500 * time.Millisecond)
		if s.proc.Alive() {
			_ = s.proc.Terminate()
			time.Sleep(500 * time.Millisecond)
		}
		if s.proc.Alive() {
			_ = s.proc.Kill()
		}
	}
	if s.term != nil {
		_ = s.term.Close()
	}

	full := s.snapshot()
	if len(full) > 2000 {
		full = full[len(full)-2000:]
	}
	return Scrub(full)
}

// suppressEcho drops the first response line containing the sent
// message's 50-char prefix (the PTY echoes what we typed).
func suppressEcho(response, message string) string {
	prefix := strings.TrimSpace(message)
	if len(prefix) > 50 {
		prefix = prefix[:50]
	}
	if prefix == "" {
		return response
	}

	lines := strings.Split(response, "\n")
	cleaned := make([]string, 0, len(lines))
	skipping := true
	for _, line := range lines {
		if skipping && strings.Contains(line, prefix) {
			skipping = false
			continue
		}
		cleaned = append(cleaned, line)
	}
	out := strings.TrimSpace(strings.Join(cleaned, "\n"))
	if out == "" {
		return response
	}
	return out
}

func capResponse(response string, maxChars int) (string, bool, int) {
	if maxChars > 0 && len(response) > maxChars {
		return response[len(response)-maxChars:], true, len(response)
	}
	return response, false, 0
}

func roundTenth(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
