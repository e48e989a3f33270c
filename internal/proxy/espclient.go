package proxy

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/trvbridge/internal/logging"
	"github.com/muurk/trvbridge/internal/valve"
)

// ESPHome native API message types used by this client. Only the
// plaintext transport is implemented; encrypted (noise) proxies are
// rejected at connect time.
const (
	msgHelloRequest    = 1
	msgHelloResponse   = 2
	msgConnectRequest  = 3
	msgConnectResponse = 4
	msgDisconnectReq   = 5
	msgPingRequest     = 7
	msgPingResponse    = 8

	msgSubscribeBLEAdvertisements = 66
	msgBluetoothDeviceRequest     = 68
	msgBluetoothDeviceConnection  = 69
	msgBluetoothGATTWriteRequest  = 75
	msgBluetoothGATTNotifyRequest = 78
	msgBluetoothGATTNotifyData    = 79
	msgBluetoothGATTError         = 82
	msgBluetoothGATTWriteResponse = 83
	msgBluetoothGATTNotifyDone    = 84
	msgBluetoothLERawAdvs         = 93
)

// BluetoothDeviceRequest request types
const (
	bleRequestConnect    = 0
	bleRequestDisconnect = 1
)

const clientInfo = "trvbridge"

// ESPHomeClient speaks the plaintext ESPHome native API over TCP. It
// implements the API interface with just the operations the bridge
// consumes: hello/login, ping keepalive, raw advertisement streaming,
// BLE connect/disconnect and GATT notify/write.
type ESPHomeClient struct {
	cfg DialConfig
	log *zap.Logger

	mu       sync.Mutex
	conn     net.Conn
	done     chan struct{}
	advCb    func(Advertisement)
	stateCbs map[uint64]func(connected bool, mtu int, err error)
	notifyCb map[notifyKey]func(data []byte)
	waiters  []*waiter
}

type notifyKey struct {
	address uint64
	handle  uint16
}

// waiter matches one inbound message; satisfied waiters are removed.
type waiter struct {
	match func(msgType int, payload []byte) bool
	ch    chan []byte
}

// NewESPHomeClient builds an unconnected client. It satisfies the
// Dialer signature.
func NewESPHomeClient(cfg DialConfig) API {
	if cfg.Keepalive == 0 {
		cfg.Keepalive = DefaultKeepalive
	}
	if cfg.KeepaliveTimeoutFactor == 0 {
		cfg.KeepaliveTimeoutFactor = DefaultKeepaliveTimeoutFactor
	}
	return &ESPHomeClient{
		cfg:      cfg,
		log:      logging.Named("espapi").With(zap.String("hostname", cfg.Hostname)),
		stateCbs: make(map[uint64]func(bool, int, error)),
		notifyCb: make(map[notifyKey]func([]byte)),
	}
}

// Connect dials the proxy and performs the hello/login handshake.
func (c *ESPHomeClient) Connect(ctx context.Context) error {
	if c.cfg.NoisePSK != "" {
		return fmt.Errorf("proxy %s: encrypted (noise) transport is not supported, remove noise_psk or use a plaintext listener", c.cfg.Hostname)
	}

	// Bound the dial and handshake so a black-holed proxy cannot hang
	// the reconnect loop.
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	dialer := net.Dialer{}
	addr := net.JoinHostPort(c.cfg.Hostname, strconv.Itoa(c.cfg.Port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.done = make(chan struct{})
	c.waiters = nil
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.keepaliveLoop(conn)

	hello := appendTagBytes(nil, 1, []byte(clientInfo))
	hello = appendTagVarint(hello, 2, 1)
	hello = appendTagVarint(hello, 3, 10)
	if _, err := c.request(ctx, msgHelloRequest, hello, msgHelloResponse); err != nil {
		c.Disconnect()
		return fmt.Errorf("hello: %w", err)
	}

	var login []byte
	if c.cfg.Password != "" {
		login = appendTagBytes(nil, 1, []byte(c.cfg.Password))
	}
	resp, err := c.request(ctx, msgConnectRequest, login, msgConnectResponse)
	if err != nil {
		c.Disconnect()
		return fmt.Errorf("login: %w", err)
	}
	invalid := false
	scanFields(resp, func(field, wire int, v uint64, data []byte) {
		if field == 1 && wire == 0 {
			invalid = v != 0
		}
	})
	if invalid {
		c.Disconnect()
		return fmt.Errorf("proxy %s rejected the password", c.cfg.Hostname)
	}

	c.log.Info("Proxy control connection established")
	return nil
}

// Disconnect closes the control-plane connection. Safe to call twice.
func (c *ESPHomeClient) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	// Best effort goodbye; the read loop observes the close either way.
	_ = writeMessage(conn, msgDisconnectReq, nil)
	return conn.Close()
}

// Done reports loss of the control-plane connection.
func (c *ESPHomeClient) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// SubscribeBLEAdvertisements starts the raw advertisement stream.
func (c *ESPHomeClient) SubscribeBLEAdvertisements(cb func(Advertisement)) error {
	c.mu.Lock()
	c.advCb = cb
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("proxy %s: not connected", c.cfg.Hostname)
	}
	// flags=1 requests the raw advertisement format.
	return writeMessage(conn, msgSubscribeBLEAdvertisements, appendTagVarint(nil, 1, 1))
}

// BLEConnect opens a BLE connection and waits for the proxy to confirm
// it, bounded by opts.ConnectTimeout.
func (c *ESPHomeClient) BLEConnect(ctx context.Context, address uint64, onState func(bool, int, error), opts valve.BLEConnectOptions) error {
	c.mu.Lock()
	if onState != nil {
		c.stateCbs[address] = onState
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("proxy %s: not connected", c.cfg.Hostname)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	req := appendTagVarint(nil, 1, address)
	req = appendTagVarint(req, 2, bleRequestConnect)
	req = appendTagVarint(req, 3, 1) // has_address_type
	req = appendTagVarint(req, 4, uint64(opts.AddressType))

	resp, err := c.requestMatch(ctx, msgBluetoothDeviceRequest, req, func(msgType int, payload []byte) bool {
		return msgType == msgBluetoothDeviceConnection && fieldVarint(payload, 1) == address
	})
	if err != nil {
		return err
	}

	connected := fieldVarint(resp, 2) != 0
	if !connected {
		return fmt.Errorf("ble connect to %s failed (error %d)", valve.Uint64ToMAC(address), fieldVarint(resp, 4))
	}
	return nil
}

// BLEDisconnect closes the BLE connection to a peripheral.
func (c *ESPHomeClient) BLEDisconnect(address uint64) error {
	c.mu.Lock()
	delete(c.stateCbs, address)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	req := appendTagVarint(nil, 1, address)
	req = appendTagVarint(req, 2, bleRequestDisconnect)
	return writeMessage(conn, msgBluetoothDeviceRequest, req)
}

// GATTStartNotify enables notifications on a handle and registers the
// data callback.
func (c *ESPHomeClient) GATTStartNotify(ctx context.Context, address uint64, handle uint16, onNotify func(data []byte)) error {
	c.mu.Lock()
	c.notifyCb[notifyKey{address, handle}] = onNotify
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("proxy %s: not connected", c.cfg.Hostname)
	}

	req := appendTagVarint(nil, 1, address)
	req = appendTagVarint(req, 2, uint64(handle))
	req = appendTagVarint(req, 3, 1) // enable

	_, err := c.requestMatch(ctx, msgBluetoothGATTNotifyRequest, req, func(msgType int, payload []byte) bool {
		switch msgType {
		case msgBluetoothGATTNotifyDone, msgBluetoothGATTError:
			return fieldVarint(payload, 1) == address
		}
		return false
	})
	return err
}

// GATTWrite writes to a handle, waiting for the proxy's confirmation
// when withResponse is set.
func (c *ESPHomeClient) GATTWrite(ctx context.Context, address uint64, handle uint16, data []byte, withResponse bool, timeout time.Duration) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("proxy %s: not connected", c.cfg.Hostname)
	}

	req := appendTagVarint(nil, 1, address)
	req = appendTagVarint(req, 2, uint64(handle))
	if withResponse {
		req = appendTagVarint(req, 3, 1)
	}
	req = appendTagBytes(req, 4, data)

	if !withResponse {
		return writeMessage(conn, msgBluetoothGATTWriteRequest, req)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.requestMatch(ctx, msgBluetoothGATTWriteRequest, req, func(msgType int, payload []byte) bool {
		switch msgType {
		case msgBluetoothGATTWriteResponse, msgBluetoothGATTError:
			return fieldVarint(payload, 1) == address && fieldVarint(payload, 2) == uint64(handle)
		}
		return false
	})
	if err != nil {
		return err
	}
	if e := fieldVarint(resp, 3); e != 0 {
		return fmt.Errorf("gatt write to %s handle %d failed (error %d)", valve.Uint64ToMAC(address), handle, e)
	}
	return nil
}

// request sends one message and waits for a response of the given type.
func (c *ESPHomeClient) request(ctx context.Context, msgType int, payload []byte, respType int) ([]byte, error) {
	return c.requestMatch(ctx, msgType, payload, func(t int, _ []byte) bool { return t == respType })
}

// requestMatch sends one message and waits for the first inbound
// message accepted by match.
func (c *ESPHomeClient) requestMatch(ctx context.Context, msgType int, payload []byte, match func(msgType int, payload []byte) bool) ([]byte, error) {
	w := &waiter{match: match, ch: make(chan []byte, 1)}

	c.mu.Lock()
	conn := c.conn
	done := c.done
	if conn != nil {
		c.waiters = append(c.waiters, w)
	}
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("proxy %s: not connected", c.cfg.Hostname)
	}
	defer c.removeWaiter(w)

	if err := writeMessage(conn, msgType, payload); err != nil {
		return nil, err
	}

	select {
	case resp := <-w.ch:
		return resp, nil
	case <-done:
		return nil, fmt.Errorf("proxy %s: connection lost", c.cfg.Hostname)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *ESPHomeClient) removeWaiter(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.waiters {
		if cur == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// readLoop decodes inbound frames until the connection dies, then
// closes the done channel.
func (c *ESPHomeClient) readLoop(conn net.Conn) {
	defer func() {
		c.mu.Lock()
		done := c.done
		c.done = nil
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
		if done != nil {
			close(done)
		}
	}()

	idleTimeout := time.Duration(float64(c.cfg.Keepalive) * c.cfg.KeepaliveTimeoutFactor)
	r := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		msgType, payload, err := readMessage(r)
		if err != nil {
			if err != io.EOF {
				c.log.Debug("Read loop terminated", zap.Error(err))
			}
			return
		}
		c.dispatch(msgType, payload)
	}
}

// keepaliveLoop pings the proxy on the configured interval. A dead
// connection surfaces through the read deadline in readLoop.
func (c *ESPHomeClient) keepaliveLoop(conn net.Conn) {
	ticker := time.NewTicker(c.cfg.Keepalive)
	defer ticker.Stop()
	done := c.Done()
	for {
		select {
		case <-ticker.C:
			if err := writeMessage(conn, msgPingRequest, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// dispatch routes one inbound message to streams and waiters.
func (c *ESPHomeClient) dispatch(msgType int, payload []byte) {
	switch msgType {
	case msgPingResponse:
		return
	case msgBluetoothLERawAdvs:
		c.dispatchAdvertisements(payload)
		return
	case msgBluetoothGATTNotifyData:
		c.dispatchNotifyData(payload)
		return
	case msgBluetoothDeviceConnection:
		c.dispatchBLEState(payload)
		// fall through to waiters: BLEConnect waits for this message
	}

	c.mu.Lock()
	var w *waiter
	for i, cur := range c.waiters {
		if cur.match(msgType, payload) {
			w = cur
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	if w != nil {
		w.ch <- payload
	}
}

func (c *ESPHomeClient) dispatchAdvertisements(payload []byte) {
	c.mu.Lock()
	cb := c.advCb
	c.mu.Unlock()
	if cb == nil {
		return
	}
	scanFields(payload, func(field, wire int, v uint64, data []byte) {
		if field != 1 || wire != 2 {
			return
		}
		adv := Advertisement{}
		scanFields(data, func(f, w int, fv uint64, fd []byte) {
			switch f {
			case 1:
				adv.Address = fv
			case 2:
				adv.RSSI = int(decodeZigzag(fv))
			case 4:
				adv.Name = advertisedName(fd)
			}
		})
		cb(adv)
	})
}

func (c *ESPHomeClient) dispatchNotifyData(payload []byte) {
	address := fieldVarint(payload, 1)
	handle := uint16(fieldVarint(payload, 2))
	data := fieldBytes(payload, 3)

	c.mu.Lock()
	cb := c.notifyCb[notifyKey{address, handle}]
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *ESPHomeClient) dispatchBLEState(payload []byte) {
	address := fieldVarint(payload, 1)
	connected := fieldVarint(payload, 2) != 0
	mtu := int(fieldVarint(payload, 3))
	errCode := fieldVarint(payload, 4)

	c.mu.Lock()
	cb := c.stateCbs[address]
	c.mu.Unlock()
	if cb != nil {
		var err error
		if errCode != 0 {
			err = fmt.Errorf("ble error %d", errCode)
		}
		cb(connected, mtu, err)
	}
}

// advertisedName extracts the local name from raw advertising data
// (AD structures: length, type, value).
func advertisedName(data []byte) string {
	for i := 0; i < len(data); {
		l := int(data[i])
		if l == 0 || i+1+l > len(data) {
			break
		}
		adType := data[i+1]
		if adType == 0x08 || adType == 0x09 { // shortened / complete local name
			return string(data[i+2 : i+1+l])
		}
		i += 1 + l
	}
	return ""
}

// Wire helpers. The plaintext framing is a zero byte, the payload size
// as a varint, the message type as a varint, then the payload.

func writeMessage(conn net.Conn, msgType int, payload []byte) error {
	buf := make([]byte, 0, len(payload)+10)
	buf = append(buf, 0x00)
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	buf = binary.AppendUvarint(buf, uint64(msgType))
	buf = append(buf, payload...)
	_, err := conn.Write(buf)
	return err
}

func readMessage(r *bufio.Reader) (int, []byte, error) {
	preamble, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	if preamble != 0x00 {
		return 0, nil, fmt.Errorf("unexpected preamble 0x%02x (encrypted peer?)", preamble)
	}
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, nil, err
	}
	msgType, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, nil, err
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return int(msgType), payload, nil
}

func appendTagVarint(b []byte, field int, v uint64) []byte {
	b = binary.AppendUvarint(b, uint64(field)<<3)
	return binary.AppendUvarint(b, v)
}

func appendTagBytes(b []byte, field int, data []byte) []byte {
	b = binary.AppendUvarint(b, uint64(field)<<3|2)
	b = binary.AppendUvarint(b, uint64(len(data)))
	return append(b, data...)
}

// scanFields walks a protobuf payload, invoking fn per field. Varint
// fields report their value in v; length-delimited fields report their
// bytes in data. Unknown wire types end the scan.
func scanFields(payload []byte, fn func(field, wire int, v uint64, data []byte)) {
	for len(payload) > 0 {
		tag, n := binary.Uvarint(payload)
		if n <= 0 {
			return
		}
		payload = payload[n:]
		field := int(tag >> 3)
		wire := int(tag & 7)
		switch wire {
		case 0:
			v, n := binary.Uvarint(payload)
			if n <= 0 {
				return
			}
			payload = payload[n:]
			fn(field, wire, v, nil)
		case 2:
			l, n := binary.Uvarint(payload)
			if n <= 0 || uint64(len(payload)-n) < l {
				return
			}
			fn(field, wire, 0, payload[n:n+int(l)])
			payload = payload[n+int(l):]
		case 5:
			if len(payload) < 4 {
				return
			}
			fn(field, wire, uint64(binary.LittleEndian.Uint32(payload)), nil)
			payload = payload[4:]
		case 1:
			if len(payload) < 8 {
				return
			}
			fn(field, wire, binary.LittleEndian.Uint64(payload), nil)
			payload = payload[8:]
		default:
			return
		}
	}
}

func fieldVarint(payload []byte, field int) uint64 {
	var out uint64
	scanFields(payload, func(f, w int, v uint64, _ []byte) {
		if f == field && w == 0 {
			out = v
		}
	})
	return out
}

func fieldBytes(payload []byte, field int) []byte {
	var out []byte
	scanFields(payload, func(f, w int, _ uint64, data []byte) {
		if f == field && w == 2 {
			out = data
		}
	})
	return out
}

func decodeZigzag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}
