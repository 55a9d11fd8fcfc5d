package notifications

import (
	"strings"
	"sync"
)

// Snapshot is an immutable view of the store.
type Snapshot struct {
	Notifications []Notification
	UnreadCount   int
}

// Store keeps a tab's notifications newest first together with the unread badge count.
type Store struct {
	mu       sync.Mutex
	items    []Notification
	known    map[string]struct{}
	unread   int
	surfaced map[string]struct{}
	watchers map[int64]chan Snapshot
	nextID   int64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		known:    make(map[string]struct{}),
		surfaced: make(map[string]struct{}),
		watchers: make(map[int64]chan Snapshot),
	}
}

// Append inserts the notification at the head unless its id is already present.
func (s *Store) Append(notification Notification) bool {
	id := strings.TrimSpace(notification.ID)
	if id == "" {
		return false
	}
	s.mu.Lock()
	if _, exists := s.known[id]; exists {
		s.mu.Unlock()
		return false
	}
	notification = notification.clone()
	notification.ID = id
	s.known[id] = struct{}{}
	s.items = append([]Notification{notification}, s.items...)
	if !notification.IsSeen {
		s.unread++
	}
	s.publishLocked()
	s.mu.Unlock()
	return true
}

// Replace installs the server's list. Seen flags merge with local state so they never revert.
func (s *Store) Replace(notifications []Notification) {
	s.mu.Lock()
	seen := make(map[string]bool, len(s.items))
	for _, item := range s.items {
		if item.IsSeen {
			seen[item.ID] = true
		}
	}

	items := make([]Notification, 0, len(notifications))
	known := make(map[string]struct{}, len(notifications))
	unread := 0
	for _, notification := range notifications {
		id := strings.TrimSpace(notification.ID)
		if id == "" {
			continue
		}
		if _, duplicate := known[id]; duplicate {
			continue
		}
		notification = notification.clone()
		notification.ID = id
		notification.IsSeen = notification.IsSeen || seen[id]
		if !notification.IsSeen {
			unread++
		}
		known[id] = struct{}{}
		items = append(items, notification)
	}
	s.items = items
	s.known = known
	s.unread = unread
	s.publishLocked()
	s.mu.Unlock()
}

// MarkAllSeen flags every notification seen and clears the unread count.
func (s *Store) MarkAllSeen() {
	s.mu.Lock()
	for index := range s.items {
		s.items[index].IsSeen = true
	}
	s.unread = 0
	s.publishLocked()
	s.mu.Unlock()
}

// ShouldSurface returns true the first time it sees an id.
func (s *Store) ShouldSurface(notification Notification) bool {
	id := strings.TrimSpace(notification.ID)
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, shown := s.surfaced[id]; shown {
		return false
	}
	s.surfaced[id] = struct{}{}
	return true
}

// UnreadCount returns the badge count.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// Notifications returns a copy of the list, newest first.
func (s *Store) Notifications() []Notification {
	return s.Snapshot().Notifications
}

// Snapshot returns the list and count read atomically.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Watch streams the latest snapshot after every change, starting with the current one.
// Slow readers only observe the most recent snapshot.
func (s *Store) Watch() (<-chan Snapshot, func()) {
	stream := make(chan Snapshot, 1)
	s.mu.Lock()
	s.nextID++
	watcherID := s.nextID
	s.watchers[watcherID] = stream
	stream <- s.snapshotLocked()
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.watchers[watcherID]; ok {
				delete(s.watchers, watcherID)
				close(stream)
			}
			s.mu.Unlock()
		})
	}
	return stream, cancel
}

func (s *Store) snapshotLocked() Snapshot {
	items := make([]Notification, len(s.items))
	for index, item := range s.items {
		items[index] = item.clone()
	}
	return Snapshot{Notifications: items, UnreadCount: s.unread}
}

func (s *Store) publishLocked() {
	if len(s.watchers) == 0 {
		return
	}
	snapshot := s.snapshotLocked()
	for _, stream := range s.watchers {
		select {
		case <-stream:
		default:
		}
		select {
		case stream <- snapshot:
		default:
		}
	}
}
