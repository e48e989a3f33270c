package valve

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/trvbridge/internal/logging"
	"github.com/muurk/trvbridge/internal/protocol"
)

// GATT is the slice of the proxy RPC surface a session consumes: one
// BLE connection plus notify/write on fixed handles.
type GATT interface {
	// BLEConnect opens a BLE connection to the peripheral. onState is
	// invoked on connection state transitions.
	BLEConnect(ctx context.Context, address uint64, onState func(connected bool, mtu int, err error), opts BLEConnectOptions) error

	// BLEDisconnect tears the BLE connection down.
	BLEDisconnect(address uint64) error

	// GATTStartNotify subscribes to notifications on a handle.
	GATTStartNotify(ctx context.Context, address uint64, handle uint16, onNotify func(data []byte)) error

	// GATTWrite writes to a handle, optionally with a write response,
	// bounded by the given timeout.
	GATTWrite(ctx context.Context, address uint64, handle uint16, data []byte, withResponse bool, timeout time.Duration) error
}

// BLEConnectOptions bound a BLE connection attempt.
type BLEConnectOptions struct {
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	AddressType       uint8
}

// SessionOptions are the tunables of the command choreography. The
// zero value is not usable; start from DefaultSessionOptions.
type SessionOptions struct {
	// MaxTries is the number of full connect..verify attempts.
	MaxTries int

	// SyncTries bounds the packet-number synchronization loop inside
	// one attempt, with SyncRetryDelay between sub-tries.
	SyncTries      int
	SyncRetryDelay time.Duration

	// InterStepDelay is the pause between protocol steps.
	InterStepDelay time.Duration

	// RetryDelay is the pause between failed attempts.
	RetryDelay time.Duration

	// ResponseTimeout bounds every wait for a valve response.
	ResponseTimeout time.Duration

	// ConnectTimeout/DisconnectTimeout bound the BLE connection.
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration

	// SyncWriteTimeout bounds the GATT write of the sync command;
	// WriteTimeout bounds every other write.
	SyncWriteTimeout time.Duration
	WriteTimeout     time.Duration
}

// DefaultSessionOptions returns the production tuning.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		MaxTries:          5,
		SyncTries:         10,
		SyncRetryDelay:    500 * time.Millisecond,
		InterStepDelay:    100 * time.Millisecond,
		RetryDelay:        6 * time.Second,
		ResponseTimeout:   10 * time.Second,
		ConnectTimeout:    30 * time.Second,
		DisconnectTimeout: 10 * time.Second,
		SyncWriteTimeout:  10 * time.Second,
		WriteTimeout:      3 * time.Second,
	}
}

// Session drives one valve over one proxy: connect, synchronize packet
// numbers, read the comfort temperature, force comfort mode, write the
// set-point, verify the readback, disconnect. A Session is created per
// command attempt and must not be reused.
type Session struct {
	log    *zap.Logger
	client GATT
	mac    uint64
	opts   SessionOptions

	onTempC  int
	offTempC int

	mu      sync.Mutex
	lastPkt byte // last packet number sent, 0 before the first send
	reasm   protocol.Reassembler
	respCh  chan struct{}

	gotPktNumber    bool
	gotTempReadback bool
	readMode        byte
	tempDeci        uint16
}

// NewSession builds a session for one valve behind one proxy client.
func NewSession(client GATT, mac uint64, onTempC, offTempC int, opts SessionOptions) *Session {
	return &Session{
		log:      logging.Named("valve").With(zap.String("mac", Uint64ToMAC(mac))),
		client:   client,
		mac:      mac,
		opts:     opts,
		onTempC:  onTempC,
		offTempC: offTempC,
	}
}

// SetState drives the valve fully open or fully closed by writing the
// matching comfort temperature. It retries complete attempts up to the
// configured budget and returns the last error when all fail.
func (s *Session) SetState(ctx context.Context, on bool) error {
	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxTries; attempt++ {
		err := s.attempt(ctx, on)
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Warn("Attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_tries", s.opts.MaxTries),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < s.opts.MaxTries {
			if err := sleep(ctx, s.opts.RetryDelay); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", s.opts.MaxTries, lastErr)
}

// attempt runs one full connect..verify pass.
func (s *Session) attempt(ctx context.Context, on bool) error {
	err := s.client.BLEConnect(ctx, s.mac, s.onBLEState, BLEConnectOptions{
		ConnectTimeout:    s.opts.ConnectTimeout,
		DisconnectTimeout: s.opts.DisconnectTimeout,
		AddressType:       0, // public
	})
	if err != nil {
		return fmt.Errorf("ble connect: %w", err)
	}
	defer func() {
		if err := s.client.BLEDisconnect(s.mac); err != nil {
			s.log.Debug("Disconnect failed", zap.Error(err))
		}
	}()

	if err := s.client.GATTStartNotify(ctx, s.mac, protocol.NotifyHandle, s.onNotify); err != nil {
		return fmt.Errorf("start notify: %w", err)
	}

	s.resetSession()

	if err := s.syncPacketNumber(ctx); err != nil {
		return err
	}
	if err := sleep(ctx, s.opts.InterStepDelay); err != nil {
		return err
	}

	if err := s.readComfortTemp(ctx); err != nil {
		return fmt.Errorf("read comfort temperature: %w", err)
	}
	s.log.Info("Valve state read",
		zap.Uint8("mode", s.currentMode()),
		zap.Float64("comfort_temp_c", float64(s.currentTempDeci())/10),
	)
	if err := sleep(ctx, s.opts.InterStepDelay); err != nil {
		return err
	}

	if err := s.writeComfortMode(ctx); err != nil {
		return fmt.Errorf("write comfort mode: %w", err)
	}
	if err := sleep(ctx, s.opts.InterStepDelay); err != nil {
		return err
	}

	tempC := s.offTempC
	if on {
		tempC = s.onTempC
	}
	wantDeci := uint16(tempC * 10)

	if err := s.writeSetPoint(ctx, wantDeci); err != nil {
		return fmt.Errorf("write set-point: %w", err)
	}
	if err := sleep(ctx, s.opts.InterStepDelay); err != nil {
		return err
	}

	if err := s.readComfortTemp(ctx); err != nil {
		return fmt.Errorf("verify set-point: %w", err)
	}
	if got := s.currentTempDeci(); got != wantDeci {
		return fmt.Errorf("%w: wrote %d, read back %d", ErrVerifyMismatch, wantDeci, got)
	}

	s.log.Info("Set-point verified", zap.Float64("temp_c", float64(wantDeci)/10))
	return nil
}

// syncPacketNumber aligns the session's packet counter with the valve.
func (s *Session) syncPacketNumber(ctx context.Context) error {
	for try := 0; try < s.opts.SyncTries; try++ {
		if try > 0 {
			if err := sleep(ctx, s.opts.SyncRetryDelay); err != nil {
				return err
			}
		}
		ok, err := s.send(ctx, protocol.FunctionSync, nil, s.opts.SyncWriteTimeout)
		if err != nil {
			return err
		}
		if ok && s.hasPacketNumber() {
			return nil
		}
	}
	return ErrSyncExhausted
}

// readComfortTemp issues one temperature read and requires a usable
// readback.
func (s *Session) readComfortTemp(ctx context.Context) error {
	s.mu.Lock()
	s.gotTempReadback = false
	s.mu.Unlock()

	ok, err := s.send(ctx, protocol.FunctionComfortTemp, nil, s.opts.WriteTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return ErrResponseTimeout
	}
	if !s.hasTempReadback() {
		return ErrNoReadback
	}
	return nil
}

// writeComfortMode forces the valve into comfort mode, preserving the
// mode byte reported by the sync response.
func (s *Session) writeComfortMode(ctx context.Context) error {
	payload := []byte{0x01, 0, 0, 0, 0, 0, 0, 0x01, 0, 0, 0, s.currentMode()}
	ok, err := s.send(ctx, protocol.FunctionSync, payload, s.opts.WriteTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return ErrResponseTimeout
	}
	return nil
}

// writeSetPoint writes the comfort temperature in tenths of a degree.
func (s *Session) writeSetPoint(ctx context.Context, deci uint16) error {
	lo := byte(deci & 0xFF)
	hi := byte(deci >> 8)
	payload := []byte{lo, hi, lo, hi, 0, 0, 0, 0, 0, 0, 0, 0}
	ok, err := s.send(ctx, protocol.FunctionComfortTemp, payload, s.opts.WriteTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return ErrResponseTimeout
	}
	return nil
}

// send encodes and writes one command, then waits for the notification
// handler to surface a response. It returns false on response timeout.
// At most one write is in flight per session at any time.
func (s *Session) send(ctx context.Context, function byte, payload []byte, writeTimeout time.Duration) (bool, error) {
	s.mu.Lock()
	s.lastPkt = nextPacketNumber(s.lastPkt)
	pkt := s.lastPkt
	// Fresh one-shot channel per send; a stale signal from a previous
	// exchange can never satisfy this wait.
	s.respCh = make(chan struct{}, 1)
	respCh := s.respCh
	s.mu.Unlock()

	frame := protocol.Encode(function, pkt, payload)
	logging.LogRawBytes("GATT write", frame)

	if err := s.client.GATTWrite(ctx, s.mac, protocol.WriteHandle, frame, true, writeTimeout); err != nil {
		return false, fmt.Errorf("gatt write: %w", err)
	}

	select {
	case <-respCh:
		return true, nil
	case <-time.After(s.opts.ResponseTimeout):
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// onNotify is the GATT notification callback. It reassembles chunks
// into frames, records results for frames that correlate with the last
// send, and unblocks the waiter.
func (s *Session) onNotify(data []byte) {
	logging.LogRawBytes("GATT notify", data)

	s.mu.Lock()
	defer s.mu.Unlock()

	frame, err := s.reasm.Push(data)
	if err != nil {
		s.log.Debug("Dropping undecodable frame", zap.Error(err))
		return
	}
	if frame == nil {
		return // still reassembling
	}

	switch {
	case frame.DeviceError:
		s.log.Warn("Device reported an error", zap.String("frame", frame.String()))
	case !frame.ChecksumOK:
		s.log.Warn("Checksum mismatch", zap.String("frame", frame.String()))
	case frame.PacketNumber != s.lastPkt:
		s.log.Warn("Packet number mismatch",
			zap.Uint8("got", frame.PacketNumber),
			zap.Uint8("want", s.lastPkt),
		)
	default:
		s.record(frame)
	}

	// Surface every complete frame so the waiter unblocks; whether the
	// step succeeded is visible through the state flags.
	if s.respCh != nil {
		select {
		case s.respCh <- struct{}{}:
		default:
		}
	}
}

// record stores the results of a validated, correlated response frame.
func (s *Session) record(frame *protocol.Frame) {
	switch {
	case frame.Function == protocol.FunctionSync && frame.Sub1 == 0 && frame.Sub2 == 0:
		if len(frame.Payload) > 0 {
			s.readMode = frame.Payload[len(frame.Payload)-1]
		}
		s.lastPkt = frame.PacketNumber
		s.gotPktNumber = true
	case frame.Function == protocol.FunctionComfortTemp && frame.Sub1 == 0 && frame.Sub2 == 0:
		if len(frame.Payload) >= 2 {
			s.tempDeci = uint16(frame.Payload[1])<<8 | uint16(frame.Payload[0])
			s.gotTempReadback = true
		}
	}
}

// resetSession clears per-attempt state. Packet numbering restarts so
// the first command of the attempt goes out with packet number 1.
func (s *Session) resetSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPkt = 0
	s.gotPktNumber = false
	s.gotTempReadback = false
	s.reasm.Reset()
}

func (s *Session) onBLEState(connected bool, mtu int, err error) {
	s.log.Debug("BLE state",
		zap.Bool("connected", connected),
		zap.Int("mtu", mtu),
		zap.Error(err),
	)
}

func (s *Session) hasPacketNumber() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gotPktNumber
}

func (s *Session) hasTempReadback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gotTempReadback
}

func (s *Session) currentMode() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readMode
}

func (s *Session) currentTempDeci() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tempDeci
}

// nextPacketNumber advances the session packet counter. The sequence
// wraps 255 back to 1; 0 is never used.
func nextPacketNumber(pkt byte) byte {
	if pkt == 255 {
		return 1
	}
	return pkt + 1
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
