// Package history implements the conversation owner. It controls the
// conversation's size via automatic compression, ages out stale tool-result
// content, marks request snapshots for prompt caching, and maintains the
// task-frame stack RunTask pushes/pops around a sub-agent call.
package history

import (
	"context"
	"fmt"

	"github.com/symbiont-labs/cortex/internal/provider"
)

// agedToolPlaceholder replaces the content of tool-result messages the
// aging pass has decided to drop.
const agedToolPlaceholder = "[Tool result cleared to save context]"

// compressionNotice replaces a dropped prefix of the conversation.
const compressionNotice = "[Previous conversation history has been compressed to save context window space]"

// agingInterval is N: every N tool messages, age out all but the most
// recent `agingKeep`.
const agingInterval = 10
const agingKeep = 5

// defaultCompressionThreshold is the fraction of model_max_tokens at which
// AutoCompressIfNeeded triggers, absent an explicit Threshold.
const defaultCompressionThreshold = 0.8

// compressionTailMessages is K in the single-user-message compression
// strategy: the count of messages dropped immediately after that message.
const compressionTailMessages = 3

// Summarizer produces a short summary of a dropped conversation prefix,
// used by the optional LLM-summary compression strategy. Implementations
// typically wrap a non-streaming provider.Provider call.
type Summarizer interface {
	Summarize(ctx context.Context, dropped []provider.Message) (string, error)
}

// frame is one layer of the conversation stack. RunTask pushes a fresh
// frame so a sub-agent's turns don't pollute the parent conversation;
// FinishTaskFrame pops it and returns its final message's content.
type frame struct {
	messages     []provider.Message
	toolMsgCount int
	totalTokens  int
	modelMaxTok  int
	threshold    float64
	summarizer   Summarizer
}

// Store owns the conversation and all of its frames. The zero value is not
// usable; construct with New.
type Store struct {
	frames []*frame
}

// Option configures a new Store.
type Option func(*frame)

// WithModelMaxTokens sets the context window size used by
// CurrentContextPercent and AutoCompressIfNeeded.
func WithModelMaxTokens(n int) Option {
	return func(f *frame) { f.modelMaxTok = n }
}

// WithCompressionThreshold overrides the default 0.8 trigger fraction.
func WithCompressionThreshold(t float64) Option {
	return func(f *frame) { f.threshold = t }
}

// WithSummarizer wires an LLM-backed summary strategy; without it,
// compression always falls back to the static notice.
func WithSummarizer(s Summarizer) Option {
	return func(f *frame) { f.summarizer = s }
}

// New creates a Store seeded with a single frame holding the given system
// message; the first message of a frame is always the system message.
func New(systemMsg provider.Message, opts ...Option) *Store {
	f := &frame{threshold: defaultCompressionThreshold}
	for _, o := range opts {
		o(f)
	}
	f.messages = []provider.Message{systemMsg}
	return &Store{frames: []*frame{f}}
}

func (s *Store) top() *frame {
	return s.frames[len(s.frames)-1]
}

// Append adds a message to the current frame. If it is a tool message, the
// aging pass may run afterward (every agingInterval tool messages). Token
// accounting is not touched here: totalTokens holds only the latest usage
// counter, set by UpdateUsage after each provider call.
func (s *Store) Append(msg provider.Message) {
	f := s.top()
	f.messages = append(f.messages, msg)

	if msg.Role != "tool" {
		return
	}
	f.toolMsgCount++
	if f.toolMsgCount%agingInterval == 0 {
		f.ageOldToolResults(agingKeep)
	}
}

// ageOldToolResults replaces the content of all but the `keep` most recent
// tool messages with a placeholder, preserving message structure so the
// call/result pairing invariant still holds.
func (f *frame) ageOldToolResults(keep int) {
	toolIdx := make([]int, 0)
	for i, m := range f.messages {
		if m.Role == "tool" {
			toolIdx = append(toolIdx, i)
		}
	}
	if len(toolIdx) <= keep {
		return
	}
	for _, i := range toolIdx[:len(toolIdx)-keep] {
		if f.messages[i].Content == agedToolPlaceholder {
			continue
		}
		f.messages[i].Content = agedToolPlaceholder
	}
}

// Snapshot returns a deep copy of the current frame's conversation, with
// the last content block of the last message marked for prompt-cache reuse.
func (s *Store) Snapshot() []provider.Message {
	f := s.top()
	out := make([]provider.Message, len(f.messages))
	copy(out, f.messages)
	for i := range out {
		out[i].CacheMark = false
	}
	if len(out) > 0 {
		out[len(out)-1].CacheMark = true
	}
	return out
}

// UpdateUsage replaces the latest TokenUsage for the current frame. The
// provider reports absolute prompt/completion counts per call, so each call
// overwrites the previous total rather than accumulating.
func (s *Store) UpdateUsage(inputTokens, outputTokens int) {
	s.top().totalTokens = inputTokens + outputTokens
}

// CurrentContextPercent returns 100 * total_tokens / model_max_tokens. If
// model_max_tokens is unset (0), it returns 0.
func (s *Store) CurrentContextPercent() float64 {
	f := s.top()
	if f.modelMaxTok <= 0 {
		return 0
	}
	return 100 * float64(f.totalTokens) / float64(f.modelMaxTok)
}

// AutoCompressIfNeeded runs compression when total_tokens exceeds
// threshold * model_max_tokens. It is a no-op if model_max_tokens is unset
// or the threshold has not been crossed. Returns true if compression ran.
func (s *Store) AutoCompressIfNeeded(ctx context.Context) (bool, error) {
	f := s.top()
	if f.modelMaxTok <= 0 {
		return false, nil
	}
	if float64(f.totalTokens) <= f.threshold*float64(f.modelMaxTok) {
		return false, nil
	}
	return true, s.compress(ctx)
}

// compress applies one of two strategies, chosen by the count of user
// messages in the current frame.
func (s *Store) compress(ctx context.Context) error {
	f := s.top()

	userIdx := make([]int, 0)
	for i, m := range f.messages {
		if m.Role == "user" {
			userIdx = append(userIdx, i)
		}
	}

	var notice string
	var dropped []provider.Message
	var newMessages []provider.Message

	switch {
	case len(userIdx) >= 2:
		// Drop everything before the second-oldest user message, except
		// system messages which are preserved at their positions.
		cut := userIdx[1]
		for i := 0; i < cut; i++ {
			if f.messages[i].Role == "system" {
				newMessages = append(newMessages, f.messages[i])
				continue
			}
			dropped = append(dropped, f.messages[i])
		}
		notice = s.summarize(ctx, dropped)
		newMessages = append(newMessages, provider.Message{Role: "user", Content: notice})
		newMessages = append(newMessages, f.messages[cut:]...)

	case len(userIdx) == 1:
		// The user message itself is never dropped. Drop up to K messages
		// immediately after it (typically exploratory tool churn), dropped
		// as whole call/result groups so pairing never splits.
		userPos := userIdx[0]
		end := dropRangeEnd(f.messages, userPos+1, compressionTailMessages)
		dropped = append(dropped, f.messages[userPos+1:end]...)
		notice = s.summarize(ctx, dropped)
		newMessages = append(newMessages, f.messages[:userPos+1]...)
		newMessages = append(newMessages, provider.Message{Role: "user", Content: notice})
		newMessages = append(newMessages, f.messages[end:]...)

	default:
		// No user messages yet (e.g. mid system-only frame); nothing to
		// compress against.
		return nil
	}

	if len(newMessages) >= len(f.messages) {
		// Monotonicity guard: compression must never grow the conversation.
		return nil
	}

	f.messages = newMessages
	f.toolMsgCount = countToolMessages(newMessages)
	return nil
}

// dropRangeEnd extends [start, start+want) to the next index that is not in
// the middle of an assistant tool-call / tool-result group, so a
// contiguous segment is always dropped as a whole.
func dropRangeEnd(messages []provider.Message, start, want int) int {
	end := start + want
	if end > len(messages) {
		end = len(messages)
	}
	for end < len(messages) && messages[end].Role == "tool" {
		end++
	}
	return end
}

func countToolMessages(messages []provider.Message) int {
	n := 0
	for _, m := range messages {
		if m.Role == "tool" {
			n++
		}
	}
	return n
}

// summarize produces the notice text for a compression pass: an LLM
// summary if a Summarizer is wired, else the static notice (see DESIGN.md
// for the default-static, optional-summarizer decision).
func (s *Store) summarize(ctx context.Context, dropped []provider.Message) string {
	f := s.top()
	if f.summarizer == nil || len(dropped) == 0 {
		return compressionNotice
	}
	summary, err := f.summarizer.Summarize(ctx, dropped)
	if err != nil || summary == "" {
		return compressionNotice
	}
	return summary
}

// StartTaskFrame pushes a fresh conversation frame seeded with the given
// system message, used to isolate a sub-agent's turns from the parent
// conversation.
func (s *Store) StartTaskFrame(systemMsg provider.Message) {
	f := &frame{
		threshold:   s.top().threshold,
		modelMaxTok: s.top().modelMaxTok,
		summarizer:  s.top().summarizer,
		messages:    []provider.Message{systemMsg},
	}
	s.frames = append(s.frames, f)
}

// FinishTaskFrame pops the topmost frame and returns the content of its
// last message before popping. The stack must retain at least one frame.
func (s *Store) FinishTaskFrame() (string, error) {
	if len(s.frames) < 2 {
		return "", fmt.Errorf("history: cannot finish the root frame")
	}
	f := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	if len(f.messages) == 0 {
		return "", nil
	}
	return f.messages[len(f.messages)-1].Content, nil
}

// Depth returns the number of frames currently on the stack (1 = root).
func (s *Store) Depth() int {
	return len(s.frames)
}

// Len returns the number of messages in the current frame.
func (s *Store) Len() int {
	return len(s.top().messages)
}
