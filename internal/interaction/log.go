package interaction

import "time"

// appender is the persistence operation the Log needs; implemented by
// *store.Store. Declared here (rather than importing internal/store) to
// keep this package a leaf the store package itself can depend on.
type appender interface {
	AppendInteraction(i *Interaction) error
}

// Log is the append-only writer of spec.md §4.D. Every write commits
// synchronously before returning, so callers can rely on the write being
// visible to the next read before they spawn the next subprocess.
type Log struct {
	store appender
}

// NewLog wraps a persistence backend (typically *store.Store) as a Log.
func NewLog(s appender) *Log {
	return &Log{store: s}
}

// Append writes one interaction and returns it with its assigned ID.
func (l *Log) Append(taskID string, typ Type, content string, opts ...Option) (*Interaction, error) {
	i := &Interaction{
		TaskID:    taskID,
		Type:      typ,
		Content:   content,
		CreatedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(i)
	}
	if err := l.store.AppendInteraction(i); err != nil {
		return nil, err
	}
	return i, nil
}

// Option customizes an appended Interaction.
type Option func(*Interaction)

// WithImages attaches image references to the interaction.
func WithImages(images []string) Option {
	return func(i *Interaction) { i.Images = images }
}

// WithUsage attaches usage/cost accounting to the interaction.
func WithUsage(u Usage) Option {
	return func(i *Interaction) { i.Usage = &u }
}
