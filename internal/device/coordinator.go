// Package device provides the device sync coordinator.
//
// The coordinator maintains a WebSocket connection to the relay, publishes
// change records produced on this device, and applies records produced on
// other devices to the local store. Delivery is at-least-once: duplicates
// from replay or overlapping connections are rejected by the store's
// version check and treated as benign.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/weft-sync/weft/internal/relay"
	"github.com/weft-sync/weft/internal/schema"
	"github.com/weft-sync/weft/internal/store"
)

const (
	initialReconnect = time.Second
	maxReconnect     = 2 * time.Minute

	// publishBatch bounds how many unpublished records one drain pass
	// loads from the store.
	publishBatch = 64

	// publishAckTimeout bounds how long a published frame may remain
	// unconfirmed before the session is restarted.
	publishAckTimeout = 30 * time.Second
)

// Coordinator connects a local store to the relay.
//
// Outgoing delivery is driven by the change_log itself: a durable
// publish cursor marks the last record the relay confirmed, and each
// session walks everything past it. Records appended while no
// coordinator was running (another process, a crash before publish)
// are picked up the same way as live ones.
type Coordinator struct {
	store    *store.Store
	deviceID string
	relayURL string
	origin   schema.Origin

	// wake nudges the publish loop when new local records land
	wake chan struct{}

	connected   bool
	connectedMu sync.Mutex

	// onConnect fires after each successful handshake (used to trigger
	// a provider sync when connectivity returns)
	onConnect func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds coordinator configuration
type Config struct {
	// DeviceID uniquely identifies this device to the relay
	DeviceID string

	// RelayURL is the relay's sync endpoint, e.g. ws://host:9480/sync
	RelayURL string

	// OnConnect is called after each successful handshake (optional)
	OnConnect func()

	// Logger for coordinator activity (default: stderr logger)
	Logger *log.Logger
}

// NewCoordinator creates a coordinator for the given store
func NewCoordinator(s *store.Store, config *Config) (*Coordinator, error) {
	if config.DeviceID == "" {
		return nil, fmt.Errorf("device ID is required")
	}
	if config.RelayURL == "" {
		return nil, fmt.Errorf("relay URL is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		store:     s,
		deviceID:  config.DeviceID,
		relayURL:  config.RelayURL,
		origin:    schema.DeviceOrigin(config.DeviceID),
		wake:      make(chan struct{}, 1),
		onConnect: config.OnConnect,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}, nil
}

// Start begins collecting local changes and maintaining the relay connection
func (c *Coordinator) Start() {
	c.wg.Add(2)
	go c.collectLoop()
	go c.connectLoop()
}

// Stop disconnects and waits for all goroutines to finish
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Connected reports whether the relay connection is currently up
func (c *Coordinator) Connected() bool {
	c.connectedMu.Lock()
	defer c.connectedMu.Unlock()
	return c.connected
}

func (c *Coordinator) setConnected(v bool) {
	c.connectedMu.Lock()
	c.connected = v
	c.connectedMu.Unlock()
}

// collectLoop watches store notifications and wakes the publish loop
// when this device produces a record. The notification is only a nudge;
// the publish loop reads the records back from the change_log, so a
// dropped notification delays delivery until the next wake instead of
// losing the record.
func (c *Coordinator) collectLoop() {
	defer c.wg.Done()

	notifications, cancel := c.store.Subscribe("")
	defer cancel()

	for {
		select {
		case <-c.ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			if n.Record.Origin != c.origin {
				continue
			}
			select {
			case c.wake <- struct{}{}:
			default:
			}
		}
	}
}

// connectLoop dials the relay and runs sessions until stopped, backing off
// exponentially between failed attempts
func (c *Coordinator) connectLoop() {
	defer c.wg.Done()

	delay := initialReconnect
	for {
		if c.ctx.Err() != nil {
			return
		}

		err := c.runSession()
		c.setConnected(false)

		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Printf("Relay session ended: %v (retrying in %s)", err, delay)
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnect {
			delay = maxReconnect
		}
	}
}

// runSession dials, performs the hello handshake, and pumps frames until
// the connection drops
func (c *Coordinator) runSession() error {
	dialCtx, cancel := context.WithTimeout(c.ctx, 15*time.Second)
	conn, _, err := websocket.Dial(dialCtx, c.relayURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to dial relay: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	lastSeq, err := c.store.GetDeviceCursor(c.ctx, c.deviceID)
	if err != nil {
		return fmt.Errorf("failed to read device cursor: %w", err)
	}

	hello, err := relay.NewHelloFrame(c.deviceID, uint64(lastSeq))
	if err != nil {
		return err
	}
	if err := c.writeFrame(conn, hello); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	c.setConnected(true)
	c.logger.Printf("Connected to relay %s (resuming from seq %d)", c.relayURL, lastSeq)
	if c.onConnect != nil {
		c.onConnect()
	}

	sessionCtx, stop := context.WithCancel(c.ctx)
	defer stop()

	errCh := make(chan error, 2)
	ackCh := make(chan uint64, publishBatch)

	var sessionWG sync.WaitGroup
	sessionWG.Add(2)
	go func() {
		defer sessionWG.Done()
		errCh <- c.receive(sessionCtx, conn, ackCh)
		stop()
	}()
	go func() {
		defer sessionWG.Done()
		errCh <- c.publishLoop(sessionCtx, conn, ackCh)
		stop()
	}()
	sessionWG.Wait()

	// Prefer the error that ended the session over the cancellation it caused
	var sessionErr error
	for i := 0; i < 2; i++ {
		if e := <-errCh; e != nil && !errors.Is(e, context.Canceled) && sessionErr == nil {
			sessionErr = e
		}
	}
	return sessionErr
}

// receive applies incoming change frames and acknowledges them.
// Publish confirmations from the relay are forwarded to the publish loop.
func (c *Coordinator) receive(ctx context.Context, conn *websocket.Conn, ackCh chan<- uint64) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var f relay.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Printf("Malformed frame from relay: %v", err)
			continue
		}

		switch f.Type {
		case relay.FrameTypeChange:
			if err := c.applyFrame(ctx, conn, f); err != nil {
				return err
			}

		case relay.FrameTypeAck:
			var ack relay.AckData
			if err := json.Unmarshal(f.Data, &ack); err != nil {
				c.logger.Printf("Malformed ack from relay: %v", err)
				continue
			}
			select {
			case ackCh <- ack.Sequence:
			case <-ctx.Done():
				return ctx.Err()
			}

		case relay.FrameTypeError:
			var ed relay.ErrorData
			_ = json.Unmarshal(f.Data, &ed)
			return fmt.Errorf("relay error: %s", ed.Message)
		}
	}
}

func (c *Coordinator) applyFrame(ctx context.Context, conn *websocket.Conn, f relay.Frame) error {
	var rec schema.ChangeRecord
	if err := json.Unmarshal(f.Data, &rec); err != nil {
		c.logger.Printf("Malformed change record at seq %d: %v", f.Sequence, err)
		// Still ack: a record we cannot parse will not improve on retry
		return c.ack(ctx, conn, f.Sequence)
	}

	result, err := c.store.Apply(ctx, &rec)
	if err != nil {
		return fmt.Errorf("failed to apply change %s: %w", rec.ID, err)
	}
	if result == store.Stale {
		// Duplicate delivery from replay, or a concurrent edit the next
		// provider cycle will reconcile
		c.logger.Printf("Stale change %s for entity %s at seq %d", rec.ID, rec.EntityID, f.Sequence)
	}

	return c.ack(ctx, conn, f.Sequence)
}

// ack advances the durable cursor, then tells the relay
func (c *Coordinator) ack(ctx context.Context, conn *websocket.Conn, seq uint64) error {
	if err := c.store.PutDeviceCursor(ctx, c.deviceID, int64(seq)); err != nil {
		return fmt.Errorf("failed to advance device cursor: %w", err)
	}

	frame, err := relay.NewAckFrame(seq)
	if err != nil {
		return err
	}
	return c.writeFrame(conn, frame)
}

// publishLoop walks the change_log past the durable publish cursor and
// delivers each record, advancing the cursor only after the relay
// confirms the frame durable. A session that dies mid-flight leaves the
// cursor behind the write, so the record is resent next session;
// receivers discard the duplicate as stale.
func (c *Coordinator) publishLoop(ctx context.Context, conn *websocket.Conn, ackCh <-chan uint64) error {
	cursor, err := c.store.GetPublishCursor(ctx, c.deviceID)
	if err != nil {
		return fmt.Errorf("failed to read publish cursor: %w", err)
	}

	for {
		batch, err := c.store.UnpublishedChanges(ctx, c.origin, cursor, publishBatch)
		if err != nil {
			return fmt.Errorf("failed to load unpublished changes: %w", err)
		}
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
			}
			continue
		}

		for _, oc := range batch {
			if err := c.publishOne(ctx, conn, oc, ackCh); err != nil {
				return err
			}
			cursor = oc.LogID
		}
	}
}

func (c *Coordinator) publishOne(ctx context.Context, conn *websocket.Conn, oc store.OutgoingChange, ackCh <-chan uint64) error {
	data, err := json.Marshal(oc.Record)
	if err != nil {
		// Unmarshalable records will not improve on retry; skip past
		c.logger.Printf("Failed to marshal change %s: %v", oc.Record.ID, err)
		return c.store.PutPublishCursor(ctx, c.deviceID, oc.LogID)
	}

	if err := c.writeFrame(conn, relay.NewChangeFrame(data)); err != nil {
		return err
	}

	timer := time.NewTimer(publishAckTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("relay did not confirm change %s", oc.Record.ID)
	case <-ackCh:
	}

	if err := c.store.PutPublishCursor(ctx, c.deviceID, oc.LogID); err != nil {
		return fmt.Errorf("failed to advance publish cursor: %w", err)
	}
	return nil
}

// PendingCount returns the number of local records awaiting delivery
func (c *Coordinator) PendingCount(ctx context.Context) (int, error) {
	cursor, err := c.store.GetPublishCursor(ctx, c.deviceID)
	if err != nil {
		return 0, err
	}
	pending, err := c.store.UnpublishedChanges(ctx, c.origin, cursor, -1)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

func (c *Coordinator) writeFrame(conn *websocket.Conn, f relay.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
