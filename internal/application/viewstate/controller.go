package viewstate

import (
	"sync"

	"github.com/alem-hub/study-companion/internal/application/session"
	"github.com/alem-hub/study-companion/internal/domain/shared"
	"github.com/alem-hub/study-companion/pkg/logger"
)

var (
	ErrNotSignedIn = shared.NewDomainError("viewstate", "Navigate", shared.ErrInvalidState, "sign in to navigate")
	ErrNoSubject   = shared.NewDomainError("viewstate", "SelectLesson", shared.ErrInvalidState, "select a subject first")
)

// SessionSource is read on every recomputation.
type SessionSource interface {
	State() session.State
}

// Listener is called with the new screen and selection after a change.
type Listener func(Screen, Selection)

// Controller owns the navigation selection and keeps the derived screen in
// step with the session.
type Controller struct {
	source    SessionSource
	publisher shared.EventPublisher
	log       *logger.Logger

	mu        sync.Mutex
	selection Selection
	screen    Screen
	listeners map[int]Listener
	nextID    int
}

// NewController creates a controller and derives the initial screen.
func NewController(source SessionSource, publisher shared.EventPublisher, log *logger.Logger) *Controller {
	if publisher == nil {
		publisher = shared.NopPublisher{}
	}
	if log == nil {
		log = logger.Nop()
	}
	c := &Controller{
		source:    source,
		publisher: publisher,
		log:       log.Named("view_controller"),
		listeners: make(map[int]Listener),
	}
	c.screen = DeriveScreen(c.view(), c.selection)
	return c
}

func (c *Controller) view() SessionView {
	st := c.source.State()
	return SessionView{IsAuthenticated: st.IsAuthenticated, HasProfile: st.HasProfile()}
}

// Screen returns the screen for the current session and selection.
func (c *Controller) Screen() Screen {
	c.mu.Lock()
	defer c.mu.Unlock()
	return DeriveScreen(c.view(), c.selection)
}

// Selection returns the current selection.
func (c *Controller) Selection() Selection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selection
}

// OnChange registers l and returns a function that removes it.
func (c *Controller) OnChange(l Listener) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// NAVIGATION
// ══════════════════════════════════════════════════════════════════════════════

// SelectSubject opens a subject and clears any lesson.
func (c *Controller) SelectSubject(subjectID int64) error {
	return c.navigate(func(v SessionView, sel Selection) (Selection, error) {
		if !v.IsAuthenticated {
			return sel, ErrNotSignedIn
		}
		return Selection{SubjectID: subjectID}, nil
	})
}

// SelectLesson opens a lesson of the selected subject.
func (c *Controller) SelectLesson(lessonID int64) error {
	return c.navigate(func(v SessionView, sel Selection) (Selection, error) {
		if !v.IsAuthenticated {
			return sel, ErrNotSignedIn
		}
		if sel.SubjectID == 0 {
			return sel, ErrNoSubject
		}
		sel.LessonID = lessonID
		return sel, nil
	})
}

// BackToDashboard clears the selection.
func (c *Controller) BackToDashboard() {
	_ = c.navigate(func(SessionView, Selection) (Selection, error) {
		return Selection{}, nil
	})
}

// BackToSubject leaves the lesson and keeps the subject.
func (c *Controller) BackToSubject() {
	_ = c.navigate(func(_ SessionView, sel Selection) (Selection, error) {
		sel.LessonID = 0
		return sel, nil
	})
}

// HandleSessionChanged recomputes the screen after a session event. Signing
// out resets the selection. It is an event bus handler.
func (c *Controller) HandleSessionChanged(shared.Event) error {
	return c.navigate(func(v SessionView, sel Selection) (Selection, error) {
		if !v.IsAuthenticated {
			return Selection{}, nil
		}
		return sel, nil
	})
}

// Refresh recomputes the screen from the current inputs.
func (c *Controller) Refresh() {
	_ = c.HandleSessionChanged(nil)
}

// navigate reads the session under c.mu so that a step can never apply a
// view older than one an earlier step already saw.
func (c *Controller) navigate(step func(SessionView, Selection) (Selection, error)) error {
	c.mu.Lock()
	v := c.view()
	sel, err := step(v, c.selection)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	prevScreen, prevSel := c.screen, c.selection
	c.selection = sel
	c.screen = DeriveScreen(v, sel)
	screen := c.screen
	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	if screen == prevScreen && sel == prevSel {
		return nil
	}
	if screen != prevScreen {
		c.log.Debug("screen changed", logger.Screen(screen.String()), logger.String("from", prevScreen.String()))
		_ = c.publisher.Publish(shared.NewScreenChangedEvent(prevScreen.String(), screen.String()))
	}
	for _, l := range listeners {
		l(screen, sel)
	}
	return nil
}
