package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/convoice/pkg/client"
	"github.com/aeolun/convoice/pkg/logging"
	"github.com/aeolun/convoice/pkg/protocol"
	"github.com/rs/zerolog"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(strings.ToLower(strings.NewReplacer(".", "", ",", "").Replace(loremIpsum)))

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	var load1 float64
	fmt.Sscanf(string(data), "%f", &load1)
	return load1
}

// generateUsername glues fragments of two random words together.
func generateUsername(id int) string {
	frag := func(w string) string {
		n := 3 + rand.Intn(4)
		if n > len(w) {
			n = len(w)
		}
		return w[:n]
	}
	a := loremWords[rand.Intn(len(loremWords))]
	b := loremWords[rand.Intn(len(loremWords))]
	return fmt.Sprintf("%s%s%d", frag(a), frag(b), id)
}

// Stats tracks performance metrics
type Stats struct {
	messagesPosted    atomic.Int64
	messagesFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64

	rejected       atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64
	moves          atomic.Int64
	movesRefused   atomic.Int64
	created        atomic.Int64
	createDenied   atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesPosted.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordTimeout() {
	s.messagesFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.messagesFailed.Add(1)
	s.disconnections.Add(1)
}

func (s *Stats) snapshot() (posted, failed, connErrors int64, avgResponseUs float64) {
	posted = s.messagesPosted.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()
	if posted > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(posted)
	}
	return
}

// BotClient is a fake user that wanders between channels and chats.
type BotClient struct {
	id        int
	nickname  string
	addr      string
	conn      *client.Client
	stats     *Stats
	channelID uint32
	log       zerolog.Logger
}

func NewBotClient(id int, addr string, stats *Stats, logger zerolog.Logger) *BotClient {
	nickname := generateUsername(id)
	return &BotClient{
		id:       id,
		nickname: nickname,
		addr:     addr,
		stats:    stats,
		log:      logger.With().Int("bot", id).Str("nickname", nickname).Logger(),
	}
}

func (bc *BotClient) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := client.Connect(ctx, bc.addr, protocol.Login{Username: bc.nickname, Nickname: bc.nickname})
	if err != nil {
		var rejected *client.RejectedError
		if errors.As(err, &rejected) {
			bc.stats.rejected.Add(1)
		}
		return err
	}
	bc.conn = conn
	bc.channelID = 0
	return nil
}

// CreateChannel asks for a new channel named after two random words. Guests
// are usually refused with INSUFFICIENT_PERMISSION.
func (bc *BotClient) CreateChannel(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	name := fmt.Sprintf("%s %s %d", loremWords[rand.Intn(len(loremWords))], loremWords[rand.Intn(len(loremWords))], bc.id)
	req := &protocol.ChannelCreateRequest{Settings: protocol.ChannelSettings{
		Name:       name,
		Topic:      "load test",
		MaxClients: uint32(2 + rand.Intn(20)),
	}}
	if err := bc.conn.Send(req); err != nil {
		return fmt.Errorf("send create: %w", err)
	}

	m, err := bc.conn.Await(ctx, func(m protocol.Message) bool {
		switch msg := m.(type) {
		case *protocol.InsufficientPermission:
			return true
		case *protocol.ChannelCreated:
			return msg.Channel.Name == name
		}
		return false
	})
	if err != nil {
		return fmt.Errorf("await create: %w", err)
	}
	if cc, ok := m.(*protocol.ChannelCreated); ok {
		// The creator is moved into its new channel.
		bc.channelID = cc.Channel.ID
		bc.stats.created.Add(1)
		return nil
	}
	bc.stats.createDenied.Add(1)
	return nil
}

// Wander asks for the channel list and tries to move into a random channel
// without a password.
func (bc *BotClient) Wander(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := bc.conn.Send(&protocol.ChannelListRequest{}); err != nil {
		return fmt.Errorf("send channel list request: %w", err)
	}
	m, err := bc.conn.Expect(ctx, protocol.TypeChannelList)
	if err != nil {
		return fmt.Errorf("receive channel list: %w", err)
	}

	var open []uint32
	for _, ch := range m.(*protocol.ChannelList).Channels {
		if !ch.HasPassword && ch.ID != bc.channelID {
			open = append(open, ch.ID)
		}
	}
	if len(open) == 0 {
		return nil
	}
	target := open[rand.Intn(len(open))]
	if err := bc.conn.Send(&protocol.UserMoveRequest{UserID: bc.conn.UserID(), ChannelID: target}); err != nil {
		return fmt.Errorf("send move: %w", err)
	}

	// Refused moves are silent, so a short wait is all there is.
	waitCtx, waitCancel := context.WithTimeout(ctx, time.Second)
	defer waitCancel()
	_, err = bc.conn.Await(waitCtx, func(m protocol.Message) bool {
		mv, ok := m.(*protocol.UserMoved)
		return ok && mv.UserID == bc.conn.UserID() && mv.ChannelID == target
	})
	if err != nil {
		bc.stats.movesRefused.Add(1)
		return nil
	}
	bc.channelID = target
	bc.stats.moves.Add(1)
	return nil
}

// PostRandomMessage sends a chat line and waits for it to come back, since
// the sender is part of the channel it talks to.
func (bc *BotClient) PostRandomMessage(ctx context.Context) error {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}
	text := fmt.Sprintf("%s #%d", strings.Join(words, " "), rand.Int63())

	start := time.Now()
	if err := bc.conn.Send(&protocol.MessageRequest{Text: text}); err != nil {
		bc.stats.recordDisconnection()
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := bc.conn.Await(ctx, func(m protocol.Message) bool {
		cm, ok := m.(*protocol.ChatMessage)
		return ok && cm.SenderID == bc.conn.UserID() && cm.Text == text
	})
	switch {
	case err == nil:
		bc.stats.recordSuccess(time.Since(start).Microseconds())
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		bc.stats.recordTimeout()
		return nil
	default:
		bc.stats.recordDisconnection()
		return err
	}
}

func (bc *BotClient) Run(ctx context.Context, duration, minDelay, maxDelay, shutdownDelay time.Duration, createRate float64, lastDisconnect *atomic.Value) {
	deadline := time.Now().Add(duration)
	defer func() {
		// Ramp down in reverse order of ramp up
		select {
		case <-time.After(shutdownDelay):
		case <-ctx.Done():
		}
		bc.conn.Disconnect()
		lastDisconnect.Store(time.Now())
	}()

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return
		}
		if rand.Float64() < createRate {
			if err := bc.CreateChannel(ctx); err != nil {
				bc.log.Debug().Err(err).Msg("create failed")
				return
			}
		}
		if rand.Float32() < 0.05 {
			if err := bc.Wander(ctx); err != nil {
				bc.log.Debug().Err(err).Msg("wander failed")
				return
			}
		}
		if err := bc.PostRandomMessage(ctx); err != nil {
			bc.log.Debug().Err(err).Msg("post failed")
			return
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func main() {
	serverAddr := flag.String("server", "localhost:6969", "Server address (host:port or ws://host:port/ws)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	createRate := flag.Float64("create-rate", 0.01, "Chance per post that a bot also asks to create a channel")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger := logging.New(*logLevel, os.Stdout)

	// Ramp up over 25% of the test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	logger.Info().
		Str("server", *serverAddr).
		Int("clients", *numClients).
		Dur("duration", *duration).
		Dur("ramp_up", rampUpDuration).
		Dur("min_delay", *minDelay).
		Dur("max_delay", *maxDelay).
		Msg("starting load test")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats := &Stats{}
	var wg sync.WaitGroup

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, failed, connErrors, avgUs := stats.snapshot()
				logger.Info().
					Int64("posted", posted).
					Float64("rate", float64(posted)/time.Since(startTime).Seconds()).
					Int64("failed", failed).
					Int64("conn_errors", connErrors).
					Float64("avg_ms", avgUs/1000.0).
					Float64("load", getCPULoad()).
					Int("goroutines", runtime.NumGoroutine()).
					Msg("stats")
			case <-stopStats:
				return
			}
		}
	}()

	var firstConnect, lastDisconnect atomic.Value

spawn:
	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot := NewBotClient(id, *serverAddr, stats, logger)
			if err := bot.Connect(ctx); err != nil {
				stats.connectionErrors.Add(1)
				bot.log.Debug().Err(err).Msg("connect failed")
				return
			}
			stats.successfulClients.Add(1)
			firstConnect.CompareAndSwap(nil, time.Now())

			if id%100 == 0 {
				bot.log.Info().Uint32("user", bot.conn.UserID()).Msg("connected")
			}
			bot.Run(ctx, *duration, *minDelay, *maxDelay, shutdownDelay, *createRate, &lastDisconnect)
		}(i, shutdownDelay)

		select {
		case <-time.After(staggerDelay):
		case <-ctx.Done():
			break spawn
		}
	}

	wg.Wait()
	close(stopStats)

	posted, failed, connErrors, avgUs := stats.snapshot()
	event := logger.Info().
		Int64("clients", stats.successfulClients.Load()).
		Int64("posted", posted).
		Int64("failed", failed).
		Int64("timeouts", stats.timeouts.Load()).
		Int64("disconnections", stats.disconnections.Load()).
		Int64("conn_errors", connErrors).
		Int64("rejected", stats.rejected.Load()).
		Int64("moves", stats.moves.Load()).
		Int64("moves_refused", stats.movesRefused.Load()).
		Int64("created", stats.created.Load()).
		Int64("create_denied", stats.createDenied.Load()).
		Float64("avg_ms", avgUs/1000.0)
	if first, ok := firstConnect.Load().(time.Time); ok {
		if last, ok := lastDisconnect.Load().(time.Time); ok {
			event = event.Dur("total", last.Sub(first).Round(time.Second))
		}
	}
	event.Msg("load test complete")
}
