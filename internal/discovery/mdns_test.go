// ABOUTME: Tests for mDNS discovery
// ABOUTME: Tests manager setup and service entry parsing
package discovery

import (
	"net"
	"testing"

	"github.com/hashicorp/mdns"
)

func TestNewManager(t *testing.T) {
	mgr := NewManager(Config{ServiceName: "Living Room", Port: 8928})
	if mgr == nil {
		t.Fatal("expected manager to be created")
	}
	if mgr.Servers() == nil {
		t.Error("expected servers channel")
	}
	mgr.Stop()
}

func TestServerFromEntry(t *testing.T) {
	tests := []struct {
		name     string
		entry    *mdns.ServiceEntry
		expected *ServerInfo
	}{
		{
			name:     "nil entry",
			entry:    nil,
			expected: nil,
		},
		{
			name:     "no ipv4",
			entry:    &mdns.ServiceEntry{Name: "x", Port: 1},
			expected: nil,
		},
		{
			name: "default path",
			entry: &mdns.ServiceEntry{
				Name:   "Living Room._btsink._tcp.local.",
				AddrV4: net.ParseIP("192.168.1.20"),
				Port:   8928,
			},
			expected: &ServerInfo{Name: "Living Room._btsink._tcp.local.", Host: "192.168.1.20", Port: 8928, Path: ControlPath},
		},
		{
			name: "txt path",
			entry: &mdns.ServiceEntry{
				Name:       "Den",
				AddrV4:     net.ParseIP("10.0.0.5"),
				Port:       9000,
				InfoFields: []string{"path=/custom"},
			},
			expected: &ServerInfo{Name: "Den", Host: "10.0.0.5", Port: 9000, Path: "/custom"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := serverFromEntry(tt.entry)
			if tt.expected == nil {
				if got != nil {
					t.Errorf("expected nil, got %+v", got)
				}
				return
			}
			if got == nil || *got != *tt.expected {
				t.Errorf("expected %+v, got %+v", tt.expected, got)
			}
		})
	}
}

func TestServerInfoAddr(t *testing.T) {
	s := &ServerInfo{Host: "192.168.1.20", Port: 8928}
	if s.Addr() != "192.168.1.20:8928" {
		t.Errorf("unexpected addr %s", s.Addr())
	}
}
