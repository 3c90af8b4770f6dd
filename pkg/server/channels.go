package server

import (
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/aeolun/convoice/pkg/protocol"
	"github.com/rs/zerolog"
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrDefaultChannel  = errors.New("default channel cannot be deleted")
)

// UnboundedCapacity is the default channel's member limit.
const UnboundedCapacity uint32 = math.MaxInt32

// Broadcaster delivers one message to every connected session.
type Broadcaster interface {
	Broadcast(m protocol.Message)
}

// Channel is a chat room. Its membership lives in the Roster; the struct only
// carries settings, guarded by its own lock.
type Channel struct {
	ID uint32

	mu       sync.RWMutex
	settings protocol.ChannelSettings
}

// Info is the public view sent to clients.
func (c *Channel) Info() protocol.ChannelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.infoLocked()
}

func (c *Channel) infoLocked() protocol.ChannelInfo {
	s := c.settings
	return protocol.ChannelInfo{
		ID:          c.ID,
		Name:        s.Name,
		Topic:       s.Topic,
		Description: s.Description,
		HasPassword: s.HasPassword,
		MaxClients:  s.MaxClients,
		Permanent:   s.Permanent,
	}
}

// Settings returns a copy of the channel's settings, password included.
func (c *Channel) Settings() protocol.ChannelSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// admits reports whether a user with the given password may join while the
// channel holds count members.
func (c *Channel) admits(password string, count int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.settings.HasPassword && c.settings.Password != password {
		return false
	}
	return uint64(count) < uint64(c.settings.MaxClients)
}

// ChannelDefaults names the default channel.
type ChannelDefaults struct {
	Name        string
	Topic       string
	Description string
}

// ChannelRegistry owns every channel. Channel 0 is created with the registry
// and can never be removed.
type ChannelRegistry struct {
	mu       sync.RWMutex
	channels map[uint32]*Channel
	nextID   uint32

	roster      *Roster
	broadcaster Broadcaster
	metrics     *Metrics
	log         zerolog.Logger
}

func NewChannelRegistry(roster *Roster, defaults ChannelDefaults, logger zerolog.Logger) *ChannelRegistry {
	lobby := &Channel{
		ID: DefaultChannelID,
		settings: protocol.ChannelSettings{
			Name:        defaults.Name,
			Topic:       defaults.Topic,
			Description: defaults.Description,
			MaxClients:  UnboundedCapacity,
		},
	}
	return &ChannelRegistry{
		channels: map[uint32]*Channel{DefaultChannelID: lobby},
		nextID:   1,
		roster:   roster,
		log:      logger,
	}
}

// SetBroadcaster attaches the fan-out used for channel notifications.
func (cr *ChannelRegistry) SetBroadcaster(b Broadcaster) {
	cr.broadcaster = b
}

// SetMetrics attaches metrics to the channel registry
func (cr *ChannelRegistry) SetMetrics(m *Metrics) {
	cr.metrics = m
	m.RecordChannels(cr.Count())
}

func (cr *ChannelRegistry) broadcast(m protocol.Message) {
	if cr.broadcaster != nil {
		cr.broadcaster.Broadcast(m)
	}
}

// normalize clears a password that is not in use so it never leaks into storage.
func normalize(s protocol.ChannelSettings) protocol.ChannelSettings {
	if !s.HasPassword {
		s.Password = ""
	}
	return s
}

// Create stores a new channel and announces it with CHANNEL_CREATED.
func (cr *ChannelRegistry) Create(settings protocol.ChannelSettings) uint32 {
	settings = normalize(settings)

	cr.mu.Lock()
	id := cr.nextID
	cr.nextID++
	ch := &Channel{ID: id, settings: settings}
	cr.channels[id] = ch
	cr.roster.AddChannel(id)
	count := len(cr.channels)
	cr.mu.Unlock()

	cr.metrics.RecordChannels(count)
	cr.log.Info().Uint32("channel", id).Str("name", settings.Name).Bool("permanent", settings.Permanent).Msg("channel created")

	cr.broadcast(&protocol.ChannelCreated{Channel: ch.Info()})
	return id
}

// Modify replaces every setting of a channel and announces CHANNEL_MODIFIED.
// The default channel keeps no password and unbounded capacity whatever is asked.
func (cr *ChannelRegistry) Modify(id uint32, settings protocol.ChannelSettings) error {
	settings = normalize(settings)
	if id == DefaultChannelID {
		settings.HasPassword = false
		settings.Password = ""
		settings.MaxClients = UnboundedCapacity
		settings.Permanent = false
	}

	cr.mu.RLock()
	ch, ok := cr.channels[id]
	if !ok {
		cr.mu.RUnlock()
		return ErrChannelNotFound
	}
	ch.mu.Lock()
	ch.settings = settings
	info := ch.infoLocked()
	ch.mu.Unlock()
	cr.mu.RUnlock()

	cr.log.Info().Uint32("channel", id).Msg("channel modified")
	cr.broadcast(&protocol.ChannelModified{Channel: info})
	return nil
}

// Delete evacuates a channel's members to the default channel, announcing each
// with USER_MOVED, then removes the channel and announces CHANNEL_DELETED.
func (cr *ChannelRegistry) Delete(id uint32) error {
	if id == DefaultChannelID {
		return ErrDefaultChannel
	}

	var moved []uint32
	var count int
	found := false
	cr.roster.Announce(func() {
		cr.mu.Lock()
		if _, found = cr.channels[id]; !found {
			cr.mu.Unlock()
			return
		}
		moved, _ = cr.roster.DropChannel(id)
		delete(cr.channels, id)
		count = len(cr.channels)
		cr.mu.Unlock()

		for _, userID := range moved {
			cr.broadcast(&protocol.UserMoved{UserID: userID, ChannelID: DefaultChannelID})
		}
		cr.broadcast(&protocol.ChannelDeleted{ChannelID: id})
	})
	if !found {
		return ErrChannelNotFound
	}

	cr.metrics.RecordChannels(count)
	cr.log.Info().Uint32("channel", id).Int("evacuated", len(moved)).Msg("channel deleted")
	return nil
}

// Get returns a channel by ID.
func (cr *ChannelRegistry) Get(id uint32) (*Channel, bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	ch, ok := cr.channels[id]
	return ch, ok
}

// List returns every channel ordered by ID.
func (cr *ChannelRegistry) List() []protocol.ChannelInfo {
	chans := cr.snapshot()
	infos := make([]protocol.ChannelInfo, 0, len(chans))
	for _, ch := range chans {
		infos = append(infos, ch.Info())
	}
	return infos
}

// Permanent returns the settings of every permanent channel other than the
// default one, ordered by ID. This is what gets persisted.
func (cr *ChannelRegistry) Permanent() []protocol.ChannelSettings {
	var out []protocol.ChannelSettings
	for _, ch := range cr.snapshot() {
		if ch.ID == DefaultChannelID {
			continue
		}
		if s := ch.Settings(); s.Permanent {
			out = append(out, s)
		}
	}
	return out
}

// Load creates the given channels as permanent channels, in order.
func (cr *ChannelRegistry) Load(channels []protocol.ChannelSettings) {
	for _, s := range channels {
		s.Permanent = true
		cr.Create(s)
	}
}

// Count returns the number of channels including the default one.
func (cr *ChannelRegistry) Count() int {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return len(cr.channels)
}

func (cr *ChannelRegistry) snapshot() []*Channel {
	cr.mu.RLock()
	chans := make([]*Channel, 0, len(cr.channels))
	for _, ch := range cr.channels {
		chans = append(chans, ch)
	}
	cr.mu.RUnlock()
	sort.Slice(chans, func(i, j int) bool { return chans[i].ID < chans[j].ID })
	return chans
}
