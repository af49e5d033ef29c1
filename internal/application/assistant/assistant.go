// Package assistant keeps the conversation with the study assistant.
package assistant

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/study-companion/internal/application/viewstate"
	"github.com/alem-hub/study-companion/internal/domain/learning"
	"github.com/alem-hub/study-companion/internal/domain/shared"
	"github.com/alem-hub/study-companion/pkg/logger"
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one line of the transcript.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// QuickAction is a canned prompt.
type QuickAction string

const (
	ActionExplain  QuickAction = "explain"
	ActionStudy    QuickAction = "study_tips"
	ActionPractice QuickAction = "practice"
)

var quickPrompts = map[QuickAction]string{
	ActionExplain:  "Can you explain this concept in simpler terms?",
	ActionStudy:    "What are some effective study strategies for this topic?",
	ActionPractice: "Can you give me some practice problems?",
}

// QuickActions lists the canned prompts in display order.
func QuickActions() []QuickAction {
	return []QuickAction{ActionExplain, ActionStudy, ActionPractice}
}

// Prompt returns the text sent for a.
func (a QuickAction) Prompt() (string, bool) {
	p, ok := quickPrompts[a]
	return p, ok
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// Backend answers assistant requests.
type Backend interface {
	Assist(ctx context.Context, req learning.AssistRequest) (*learning.AssistResponse, error)
}

// Catalogue resolves the names of the selected subject and lesson.
type Catalogue interface {
	Subject(ctx context.Context, subjectID int64) (*learning.Subject, error)
	Lesson(ctx context.Context, subjectID, lessonID int64) (*learning.Lesson, error)
}

// SelectionSource reports what the student is looking at.
type SelectionSource interface {
	Selection() viewstate.Selection
}

// Config wires an Assistant.
type Config struct {
	Backend    Backend
	Catalogue  Catalogue
	Selection  SelectionSource
	Publisher  shared.EventPublisher
	Logger     *logger.Logger
	MaxHistory int
	Now        func() time.Time
}

// ══════════════════════════════════════════════════════════════════════════════
// ASSISTANT
// ══════════════════════════════════════════════════════════════════════════════

// Assistant holds one transcript. Failed requests leave it unchanged.
type Assistant struct {
	config Config
	log    *logger.Logger

	mu       sync.Mutex
	messages []Message
}

// New creates an empty conversation.
func New(config Config) *Assistant {
	if config.Publisher == nil {
		config.Publisher = shared.NopPublisher{}
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	if config.MaxHistory <= 0 {
		config.MaxHistory = 100
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Assistant{config: config, log: config.Logger.Named("assistant")}
}

// Open greets the student when the transcript is empty.
func (a *Assistant) Open(ctx context.Context) []Message {
	subject, _ := a.names(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.messages) == 0 {
		topic := "your lessons"
		if subject != "" {
			topic = subject
		}
		a.appendLocked(RoleAssistant, fmt.Sprintf(
			"Hi! I'm your AI learning assistant. I'm here to help you understand %s better. "+
				"Feel free to ask me questions about the concepts, request explanations, or get study tips!", topic))
	}
	return a.transcriptLocked()
}

// Ask sends message with the current subject and lesson as context and
// appends both sides of the exchange.
func (a *Assistant) Ask(ctx context.Context, message string) (Message, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return Message{}, shared.NewValidationError("assistant", "Ask", "empty message",
			map[string][]string{"message": {"This field may not be blank."}})
	}

	subject, lesson := a.names(ctx)
	reqContext := Context(subject, lesson)

	start := a.config.Now()
	resp, err := a.config.Backend.Assist(ctx, learning.AssistRequest{Message: message, Context: reqContext})
	if err != nil {
		a.log.Warn("assistant request failed", logger.Err(err), logger.Latency(a.config.Now().Sub(start)))
		return Message{}, fmt.Errorf("ask assistant: %w", err)
	}

	a.mu.Lock()
	a.appendLocked(RoleUser, message)
	reply := a.appendLocked(RoleAssistant, resp.Response)
	a.mu.Unlock()

	_ = a.config.Publisher.Publish(shared.NewAssistantRepliedEvent(reply.ID, reqContext))
	return reply, nil
}

// Quick sends the canned prompt for action.
func (a *Assistant) Quick(ctx context.Context, action QuickAction) (Message, error) {
	prompt, ok := action.Prompt()
	if !ok {
		return Message{}, shared.NewValidationError("assistant", "Quick", "unknown quick action",
			map[string][]string{"action": {fmt.Sprintf("%q is not a valid choice.", string(action))}})
	}
	return a.Ask(ctx, prompt)
}

// Transcript returns a copy of the conversation.
func (a *Assistant) Transcript() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transcriptLocked()
}

// Reset clears the conversation. Called when the student signs out.
func (a *Assistant) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = nil
}

func (a *Assistant) transcriptLocked() []Message {
	out := make([]Message, len(a.messages))
	copy(out, a.messages)
	return out
}

func (a *Assistant) appendLocked(role Role, content string) Message {
	m := Message{ID: uuid.NewString(), Role: role, Content: content, Timestamp: a.config.Now()}
	a.messages = append(a.messages, m)
	if over := len(a.messages) - a.config.MaxHistory; over > 0 {
		a.messages = append([]Message(nil), a.messages[over:]...)
	}
	return m
}

// names resolves the selected subject and lesson. Lookup failures fall back
// to empty names.
func (a *Assistant) names(ctx context.Context) (subject, lesson string) {
	if a.config.Selection == nil || a.config.Catalogue == nil {
		return "", ""
	}
	sel := a.config.Selection.Selection()
	if sel.SubjectID != 0 {
		if s, err := a.config.Catalogue.Subject(ctx, sel.SubjectID); err == nil && s != nil {
			subject = s.Name
		} else if err != nil {
			a.log.Debug("resolve subject name", logger.Err(err))
		}
	}
	if sel.SubjectID != 0 && sel.LessonID != 0 {
		if l, err := a.config.Catalogue.Lesson(ctx, sel.SubjectID, sel.LessonID); err == nil && l != nil {
			lesson = l.Title
		} else if err != nil {
			a.log.Debug("resolve lesson title", logger.Err(err))
		}
	}
	return subject, lesson
}

// Context renders the context line sent with every question.
func Context(subject, lesson string) string {
	if subject == "" {
		subject = "General"
	}
	if lesson == "" {
		lesson = "N/A"
	}
	return fmt.Sprintf("Subject: %s, Lesson: %s", subject, lesson)
}
