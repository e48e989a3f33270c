package proxy

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/muurk/trvbridge/internal/valve"
)

// fakeProxy is a minimal plaintext ESPHome endpoint backed by a real
// TCP listener.
type fakeProxy struct {
	t        *testing.T
	listener net.Listener

	mu   sync.Mutex
	conn net.Conn
}

func newFakeProxy(t *testing.T) *fakeProxy {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeProxy{t: t, listener: listener}
	t.Cleanup(func() { _ = listener.Close() })
	go f.serve()
	return f
}

func (f *fakeProxy) dialConfig() DialConfig {
	host, portStr, _ := net.SplitHostPort(f.listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return DialConfig{Hostname: host, Port: port, Keepalive: time.Second, KeepaliveTimeoutFactor: 4.5}
}

func (f *fakeProxy) serve() {
	conn, err := f.listener.Accept()
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	r := bufio.NewReader(conn)
	for {
		msgType, payload, err := readMessage(r)
		if err != nil {
			return
		}
		f.handle(conn, msgType, payload)
	}
}

func (f *fakeProxy) handle(conn net.Conn, msgType int, payload []byte) {
	switch msgType {
	case msgHelloRequest:
		resp := appendTagVarint(nil, 1, 1)
		resp = appendTagVarint(resp, 2, 10)
		_ = writeMessage(conn, msgHelloResponse, resp)
	case msgConnectRequest:
		_ = writeMessage(conn, msgConnectResponse, nil)
	case msgPingRequest:
		_ = writeMessage(conn, msgPingResponse, nil)
	case msgBluetoothDeviceRequest:
		address := fieldVarint(payload, 1)
		if fieldVarint(payload, 2) != bleRequestConnect {
			return
		}
		resp := appendTagVarint(nil, 1, address)
		resp = appendTagVarint(resp, 2, 1) // connected
		resp = appendTagVarint(resp, 3, 247)
		_ = writeMessage(conn, msgBluetoothDeviceConnection, resp)
	case msgBluetoothGATTNotifyRequest:
		resp := appendTagVarint(nil, 1, fieldVarint(payload, 1))
		resp = appendTagVarint(resp, 2, fieldVarint(payload, 2))
		_ = writeMessage(conn, msgBluetoothGATTNotifyDone, resp)
	case msgBluetoothGATTWriteRequest:
		// Confirm the write, then echo the data back as one
		// notification on the same handle.
		address := fieldVarint(payload, 1)
		handle := fieldVarint(payload, 2)
		resp := appendTagVarint(nil, 1, address)
		resp = appendTagVarint(resp, 2, handle)
		_ = writeMessage(conn, msgBluetoothGATTWriteResponse, resp)

		notify := appendTagVarint(nil, 1, address)
		notify = appendTagVarint(notify, 2, handle)
		notify = appendTagBytes(notify, 3, fieldBytes(payload, 4))
		_ = writeMessage(conn, msgBluetoothGATTNotifyData, notify)
	}
}

// pushAdvertisement sends one raw advertisement to the client.
func (f *fakeProxy) pushAdvertisement(address uint64, rssi int64, name string) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		f.t.Fatal("no client connection")
	}

	adData := append([]byte{byte(len(name) + 1), 0x09}, name...)
	adv := appendTagVarint(nil, 1, address)
	adv = appendTagVarint(adv, 2, uint64(uint64(rssi<<1)^uint64(rssi>>63))) // zigzag
	adv = appendTagBytes(adv, 4, adData)
	payload := appendTagBytes(nil, 1, adv)
	_ = writeMessage(conn, msgBluetoothLERawAdvs, payload)
}

func TestESPHomeClientHandshake(t *testing.T) {
	server := newFakeProxy(t)
	client := NewESPHomeClient(server.dialConfig())

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Disconnect()
}

func TestESPHomeClientRejectsNoisePSK(t *testing.T) {
	cfg := newFakeProxy(t).dialConfig()
	cfg.NoisePSK = "c2VjcmV0"
	client := NewESPHomeClient(cfg)

	err := client.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "noise") {
		t.Fatalf("Connect() error = %v, want a noise transport rejection", err)
	}
}

func TestESPHomeClientAdvertisements(t *testing.T) {
	server := newFakeProxy(t)
	client := NewESPHomeClient(server.dialConfig())
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer client.Disconnect()

	advCh := make(chan Advertisement, 1)
	if err := client.SubscribeBLEAdvertisements(func(adv Advertisement) { advCh <- adv }); err != nil {
		t.Fatalf("SubscribeBLEAdvertisements() error = %v", err)
	}

	server.pushAdvertisement(0x6200A11EC11F, -61, "vanne_salon")

	select {
	case adv := <-advCh:
		if adv.Address != 0x6200A11EC11F {
			t.Errorf("address = 0x%X", adv.Address)
		}
		if adv.RSSI != -61 {
			t.Errorf("rssi = %d, want -61", adv.RSSI)
		}
		if adv.Name != "vanne_salon" {
			t.Errorf("name = %q, want vanne_salon", adv.Name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("advertisement did not arrive")
	}
}

func TestESPHomeClientGATTRoundTrip(t *testing.T) {
	server := newFakeProxy(t)
	client := NewESPHomeClient(server.dialConfig())
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer client.Disconnect()

	const address = uint64(0x6200A11EC11F)
	ctx := context.Background()

	if err := client.BLEConnect(ctx, address, nil, valve.BLEConnectOptions{ConnectTimeout: 5 * time.Second}); err != nil {
		t.Fatalf("BLEConnect() error = %v", err)
	}

	notifyCh := make(chan []byte, 1)
	if err := client.GATTStartNotify(ctx, address, 48, func(data []byte) { notifyCh <- data }); err != nil {
		t.Fatalf("GATTStartNotify() error = %v", err)
	}

	sent := []byte{0xAA, 0xAA, 0x08, 0x01, 0x00, 0x00, 0x01, 0x02}
	if err := client.GATTWrite(ctx, address, 48, sent, true, 5*time.Second); err != nil {
		t.Fatalf("GATTWrite() error = %v", err)
	}

	select {
	case data := <-notifyCh:
		if len(data) != len(sent) {
			t.Errorf("notification = % 02X, want echo of % 02X", data, sent)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification did not arrive")
	}

	if err := client.BLEDisconnect(address); err != nil {
		t.Errorf("BLEDisconnect() error = %v", err)
	}
}

func TestESPHomeClientDoneOnServerClose(t *testing.T) {
	server := newFakeProxy(t)
	client := NewESPHomeClient(server.dialConfig())
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	done := client.Done()
	server.mu.Lock()
	server.conn.Close()
	server.mu.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Done() did not fire after the server closed the connection")
	}
}
