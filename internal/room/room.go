// Package room tracks the active chat room and hydrates its history.
package room

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/youruser/streamchat/internal/api"
	"github.com/youruser/streamchat/internal/chat"
	"github.com/youruser/streamchat/internal/logging"
	"github.com/youruser/streamchat/internal/store"
)

var (
	ErrNoActiveRoom  = errors.New("no active room")
	ErrRoomNotFound  = errors.New("room not found")
	ErrRoomNameEmpty = errors.New("room name cannot be empty")
	ErrBusy          = errors.New("cannot change rooms while a response is streaming")
	log              = logging.Get()
)

// Backend is the room persistence API.
type Backend interface {
	ListRooms(ctx context.Context) ([]api.Room, error)
	CreateRoom(ctx context.Context, name string) (api.Room, error)
	RenameRoom(ctx context.Context, id, name string) (api.Room, error)
	RoomMessages(ctx context.Context, id string) ([]chat.Message, error)
}

// Manager owns the active room. Switching rooms resets the store.
type Manager struct {
	backend Backend
	store   *store.Store

	mu     sync.Mutex
	active *api.Room
	busy   func() bool
}

// NewManager returns a manager with no active room.
func NewManager(backend Backend, st *store.Store) *Manager {
	return &Manager{backend: backend, store: st}
}

// SetBusy installs the check that refuses room changes, typically
// (*turn.Controller).InProgress.
func (m *Manager) SetBusy(busy func() bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = busy
}

func (m *Manager) isBusy() bool {
	m.mu.Lock()
	busy := m.busy
	m.mu.Unlock()
	return (busy != nil && busy()) || m.store.HasStreaming()
}

// Active returns the active room.
func (m *Manager) Active() (api.Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return api.Room{}, false
	}
	return *m.active, true
}

// List returns all rooms, newest first.
func (m *Manager) List(ctx context.Context) ([]api.Room, error) {
	rooms, err := m.backend.ListRooms(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
	return rooms, nil
}

// Create makes a new room and switches to it. An empty name leaves the
// room untitled until its first turn completes.
func (m *Manager) Create(ctx context.Context, name string) (api.Room, error) {
	if m.isBusy() {
		return api.Room{}, ErrBusy
	}
	room, err := m.backend.CreateRoom(ctx, strings.TrimSpace(name))
	if err != nil {
		return api.Room{}, err
	}
	m.mu.Lock()
	m.active = &room
	m.mu.Unlock()
	m.store.Reset()
	log.Info("room: created %s", room.ID)
	return room, nil
}

// Rename sets a room's name.
func (m *Manager) Rename(ctx context.Context, id, name string) (api.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return api.Room{}, ErrRoomNameEmpty
	}
	room, err := m.backend.RenameRoom(ctx, id, name)
	if err != nil {
		return api.Room{}, err
	}
	m.mu.Lock()
	if m.active != nil && m.active.ID == id {
		m.active.Name = room.Name
	}
	m.mu.Unlock()
	return room, nil
}

// Switch makes id the active room and loads its history into the store.
func (m *Manager) Switch(ctx context.Context, id string) (api.Room, error) {
	if m.isBusy() {
		return api.Room{}, ErrBusy
	}
	rooms, err := m.backend.ListRooms(ctx)
	if err != nil {
		return api.Room{}, err
	}
	var room *api.Room
	for i := range rooms {
		if rooms[i].ID == id {
			room = &rooms[i]
			break
		}
	}
	if room == nil {
		return api.Room{}, ErrRoomNotFound
	}

	history, err := m.backend.RoomMessages(ctx, id)
	if err != nil {
		return api.Room{}, err
	}

	m.mu.Lock()
	m.active = room
	m.mu.Unlock()

	m.store.Reset()
	n := m.store.LoadAndDedupe(history)
	log.Info("room: switched to %s (%d messages)", id, n)
	return *room, nil
}

// Leave clears the active room and the store.
func (m *Manager) Leave() error {
	if m.isBusy() {
		return ErrBusy
	}
	m.mu.Lock()
	m.active = nil
	m.mu.Unlock()
	m.store.Reset()
	return nil
}
