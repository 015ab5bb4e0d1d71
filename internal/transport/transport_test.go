// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/Thermoquad/glucostat/pkg/dexcom"
	"github.com/Thermoquad/glucostat/pkg/dexcom/dexcomtest"
)

// ============================================================
// Serial
// ============================================================

// silentPort is a serial port whose reads always time out
type silentPort struct {
	serial.Port
}

func (silentPort) Read(p []byte) (int, error) { return 0, nil }

func TestSerialPort_TimeoutIsAnError(t *testing.T) {
	port := &SerialPort{port: silentPort{}, name: "/dev/null"}

	buf := make([]byte, 4)
	_, err := io.ReadFull(port, buf)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
}

// ============================================================
// Discovery
// ============================================================

func withPorts(t *testing.T, ports []*enumerator.PortDetails, err error) {
	t.Helper()
	saved := enumerate
	enumerate = func() ([]*enumerator.PortDetails, error) { return ports, err }
	t.Cleanup(func() { enumerate = saved })
}

func TestListPorts_MarksReceivers(t *testing.T) {
	withPorts(t, []*enumerator.PortDetails{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001"},
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "22a3", PID: "0047", SerialNumber: "SM12345678"},
	}, nil)

	ports, err := ListPorts()
	if err != nil {
		t.Fatalf("ListPorts failed: %v", err)
	}
	if len(ports) != 3 {
		t.Fatalf("Expected 3 ports, got %d", len(ports))
	}
	for _, p := range ports {
		want := p.Name == "/dev/ttyACM0"
		if p.IsReceiver != want {
			t.Errorf("%s: expected IsReceiver=%v", p.Name, want)
		}
	}
	if ports[2].VID != "22A3" {
		t.Errorf("Expected upper-case VID, got %s", ports[2].VID)
	}

	name, err := FindReceiver()
	if err != nil || name != "/dev/ttyACM0" {
		t.Errorf("Expected /dev/ttyACM0, got %q (%v)", name, err)
	}
}

func TestFindReceiver_NoDevice(t *testing.T) {
	withPorts(t, []*enumerator.PortDetails{{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001"}}, nil)

	if _, err := FindReceiver(); !errors.Is(err, ErrNoDevice) {
		t.Errorf("Expected ErrNoDevice, got %v", err)
	}

	_, _, err := Open(Options{})
	if !errors.Is(err, ErrNoDevice) {
		t.Errorf("Expected Open to report ErrNoDevice, got %v", err)
	}
}

func TestFindReceiver_EnumerationError(t *testing.T) {
	withPorts(t, nil, errors.New("permission denied"))

	_, err := FindReceiver()
	if err == nil || errors.Is(err, ErrNoDevice) {
		t.Errorf("Expected enumeration error, got %v", err)
	}
}

// ============================================================
// WebSocket Bridge
// ============================================================

// bridgeServer relays binary messages to a simulated receiver
func bridgeServer(t *testing.T, device *dexcomtest.Device, user, pass string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user != "" {
			u, p, ok := r.BasicAuth()
			if !ok || u != user || p != pass {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			device.Write(data)
			response, _ := io.ReadAll(device)
			conn.WriteMessage(websocket.TextMessage, []byte("ignored"))
			conn.WriteMessage(websocket.BinaryMessage, response)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketPort_Receiver(t *testing.T) {
	device := dexcomtest.NewDevice(dexcomtest.FirmwareG5)
	server := bridgeServer(t, device, "admin", "hunter2")

	port, err := DialBridge(context.Background(), BridgeConfig{
		URL:         wsURL(server),
		Username:    "admin",
		Password:    "hunter2",
		ReadTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("DialBridge failed: %v", err)
	}

	receiver := dexcom.NewReceiver(port)
	defer receiver.Close()

	if _, err := receiver.Connect(); err != nil {
		t.Fatalf("Connect through bridge failed: %v", err)
	}
	if receiver.Generation() != dexcom.G5 {
		t.Errorf("Expected G5, got %v", receiver.Generation())
	}
	ok, err := receiver.Ping()
	if err != nil || !ok {
		t.Errorf("Expected ping ack, got %v %v", ok, err)
	}
}

func TestWebSocketPort_Unauthorized(t *testing.T) {
	device := dexcomtest.NewDevice(dexcomtest.FirmwareG5)
	server := bridgeServer(t, device, "admin", "hunter2")

	_, err := DialBridge(context.Background(), BridgeConfig{URL: wsURL(server), Username: "admin", Password: "wrong"})
	if err == nil || !strings.Contains(err.Error(), "HTTP 401") {
		t.Errorf("Expected HTTP 401 error, got %v", err)
	}
}

func TestWebSocketPort_ReadTimeout(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer server.Close()

	port, err := DialBridge(context.Background(), BridgeConfig{URL: wsURL(server), ReadTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("DialBridge failed: %v", err)
	}
	defer port.Close()

	_, err = port.Read(make([]byte, 8))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if _, err := port.Read(make([]byte, 8)); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed after timeout, got %v", err)
	}
}

func TestDialBridge_BadScheme(t *testing.T) {
	_, err := DialBridge(context.Background(), BridgeConfig{URL: "http://localhost/bridge"})
	if err == nil || !strings.Contains(err.Error(), "unsupported URL scheme") {
		t.Errorf("Expected scheme error, got %v", err)
	}
}
