// Package title names an untitled room after its first completed turn.
package title

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/youruser/streamchat/internal/api"
	"github.com/youruser/streamchat/internal/chat"
	"github.com/youruser/streamchat/internal/logging"
	"github.com/youruser/streamchat/internal/store"
)

// DefaultMaxLen bounds generated and fallback titles.
const DefaultMaxLen = 80

const defaultTimeout = 30 * time.Second

var log = logging.Get()

// Namer turns finalized assistant text into a short title.
type Namer interface {
	GenerateTitle(ctx context.Context, content string) (string, error)
}

// Rooms is the part of room.Manager the deriver needs.
type Rooms interface {
	Active() (api.Room, bool)
	Rename(ctx context.Context, id, name string) (api.Room, error)
}

// Deriver watches a store and titles the active room once.
type Deriver struct {
	store  *store.Store
	namer  Namer
	rooms  Rooms
	maxLen int

	// OnTitle, if set, is called after a room is renamed.
	OnTitle func(roomID, title string)

	mu       sync.Mutex
	inflight map[string]bool
	unsub    func()
	wg       sync.WaitGroup
}

// New returns a deriver. maxLen below 4 selects DefaultMaxLen.
func New(st *store.Store, namer Namer, rooms Rooms, maxLen int) *Deriver {
	if maxLen < 4 {
		maxLen = DefaultMaxLen
	}
	return &Deriver{
		store:    st,
		namer:    namer,
		rooms:    rooms,
		maxLen:   maxLen,
		inflight: make(map[string]bool),
	}
}

// Start subscribes to the store.
func (d *Deriver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unsub == nil {
		d.unsub = d.store.Subscribe(d.handle)
	}
}

// Stop unsubscribes and waits for pending titles.
func (d *Deriver) Stop() {
	d.mu.Lock()
	unsub := d.unsub
	d.unsub = nil
	d.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	d.wg.Wait()
}

// Wait blocks until pending titles are done.
func (d *Deriver) Wait() {
	d.wg.Wait()
}

func (d *Deriver) handle(ev store.Event) {
	if ev.Kind != store.TurnCompleted || !ev.First {
		return
	}
	room, ok := d.rooms.Active()
	if !ok || room.Name != "" {
		return
	}

	d.mu.Lock()
	if d.inflight[room.ID] {
		d.mu.Unlock()
		return
	}
	d.inflight[room.ID] = true
	d.mu.Unlock()

	var firstUser string
	if m, ok := d.store.FirstUser(); ok {
		firstUser = m.Content
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.inflight, room.ID)
			d.mu.Unlock()
		}()
		d.derive(room.ID, ev.Message.Content, firstUser)
	}()
}

func (d *Deriver) derive(roomID, content, firstUser string) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	// A reply stopped before any output has nothing to name the room after.
	var title string
	if content != "" && content != chat.StoppedPlaceholder {
		generated, err := d.namer.GenerateTitle(ctx, content)
		if err != nil {
			log.Error("Failed to generate title: %v", err)
		}
		title = Clean(generated, d.maxLen)
	}
	if title == "" {
		title = Truncate(firstUser, d.maxLen)
	}
	if title == "" {
		return
	}

	if _, err := d.rooms.Rename(ctx, roomID, title); err != nil {
		log.Error("Failed to set room name: %v", err)
		return
	}
	log.Info("Generated title for room %s: %s", roomID, title)
	if d.OnTitle != nil {
		d.OnTitle(roomID, title)
	}
}

// Clean strips surrounding whitespace and quotes from a generated title
// and bounds its length.
func Clean(title string, maxLen int) string {
	title = strings.TrimSpace(title)
	title = strings.Trim(title, "\"'")
	return Truncate(title, maxLen)
}

// Truncate collapses whitespace and cuts s to maxLen runes, marking the
// cut with "...".
func Truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return strings.TrimSpace(string(runes[:maxLen-3])) + "..."
}
