package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Variant string

const (
	VariantDefault     Variant = "default"
	VariantDestructive Variant = "destructive"

	queueMaxSize = 50
)

// Notification is a user-visible message.
type Notification struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Variant     Variant   `json:"variant"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Notifier queues notifications until the page drains them. The oldest
// notification is dropped when the queue is full.
type Notifier struct {
	queue []Notification
	mu    sync.Mutex

	nowFunc func() time.Time
}

func New() *Notifier {
	return &Notifier{nowFunc: time.Now}
}

func (n *Notifier) Info(title, description string) {
	n.push(title, description, VariantDefault)
}

func (n *Notifier) Error(title, description string) {
	n.push(title, description, VariantDestructive)
}

func (n *Notifier) push(title, description string, variant Variant) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.queue) == queueMaxSize {
		n.queue = n.queue[1:]
	}
	n.queue = append(n.queue, Notification{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Variant:     variant,
		CreatedAt:   n.nowFunc(),
	})
}

// Drain returns the queued notifications in order and empties the queue.
func (n *Notifier) Drain() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := n.queue
	n.queue = nil
	if out == nil {
		out = []Notification{}
	}
	return out
}

// Peek returns the queued notifications without removing them.
func (n *Notifier) Peek() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification{}, n.queue...)
}

func (n *Notifier) Reset() {
	n.mu.Lock()
	n.queue = nil
	n.mu.Unlock()
}
