package transport

import (
	"testing"
)

func TestNewDialerSelectsTransport(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		wantErr  bool
		check    func(t *testing.T, d Dialer)
	}{
		{
			name:     "websocket",
			endpoint: "ws://bridge.local:8632/",
			check: func(t *testing.T, d Dialer) {
				ws, ok := d.(*WebSocketDialer)
				if !ok {
					t.Fatalf("dialer type = %T, want *WebSocketDialer", d)
				}
				if ws.URL != "ws://bridge.local:8632/" {
					t.Errorf("URL = %q", ws.URL)
				}
			},
		},
		{
			name:     "secure websocket",
			endpoint: "wss://bridge.example.com/link",
			check: func(t *testing.T, d Dialer) {
				if _, ok := d.(*WebSocketDialer); !ok {
					t.Fatalf("dialer type = %T, want *WebSocketDialer", d)
				}
			},
		},
		{
			name:     "serial default baud",
			endpoint: "serial:/dev/ttyUSB0",
			check: func(t *testing.T, d Dialer) {
				sd, ok := d.(*SerialDialer)
				if !ok {
					t.Fatalf("dialer type = %T, want *SerialDialer", d)
				}
				if sd.Port != "/dev/ttyUSB0" {
					t.Errorf("Port = %q, want /dev/ttyUSB0", sd.Port)
				}
				if sd.BaudRate != DefaultBaudRate {
					t.Errorf("BaudRate = %d, want %d", sd.BaudRate, DefaultBaudRate)
				}
			},
		},
		{
			name:     "serial explicit baud",
			endpoint: "serial:/dev/ttyACM1?baud=9600",
			check: func(t *testing.T, d Dialer) {
				sd, ok := d.(*SerialDialer)
				if !ok {
					t.Fatalf("dialer type = %T, want *SerialDialer", d)
				}
				if sd.Port != "/dev/ttyACM1" {
					t.Errorf("Port = %q, want /dev/ttyACM1", sd.Port)
				}
				if sd.BaudRate != 9600 {
					t.Errorf("BaudRate = %d, want 9600", sd.BaudRate)
				}
			},
		},
		{name: "serial bad baud", endpoint: "serial:/dev/ttyUSB0?baud=fast", wantErr: true},
		{name: "serial empty port", endpoint: "serial:", wantErr: true},
		{name: "unknown scheme", endpoint: "tcp://10.0.0.1:1234", wantErr: true},
		{name: "empty", endpoint: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewDialer(tt.endpoint)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NewDialer(%q) succeeded, want error", tt.endpoint)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewDialer(%q) error = %v", tt.endpoint, err)
			}
			if tt.check != nil {
				tt.check(t, d)
			}
		})
	}
}

func TestDialerEndpointStrings(t *testing.T) {
	ws := NewWebSocketDialer("ws://bridge.local:8632/")
	if got := ws.Endpoint(); got != "ws://bridge.local:8632/" {
		t.Errorf("WebSocket Endpoint() = %q", got)
	}

	sd := NewSerialDialer("/dev/ttyUSB0", 0)
	if got := sd.Endpoint(); got != "serial:/dev/ttyUSB0" {
		t.Errorf("Serial Endpoint() = %q", got)
	}
	if sd.BaudRate != DefaultBaudRate {
		t.Errorf("BaudRate = %d, want default %d", sd.BaudRate, DefaultBaudRate)
	}
}
