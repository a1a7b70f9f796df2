package logging

import (
	"net"
	"strings"
	"testing"
	"time"
)

func TestDefaultSyslogConfig(t *testing.T) {
	cfg := DefaultSyslogConfig()

	if cfg.Port != 514 {
		t.Errorf("Expected port 514, got %d", cfg.Port)
	}
	if cfg.Protocol != "udp" {
		t.Errorf("Expected protocol udp, got %s", cfg.Protocol)
	}
	if cfg.Tag != "xtables" {
		t.Errorf("Expected tag xtables, got %s", cfg.Tag)
	}
	if cfg.Facility != 4 {
		t.Errorf("Expected facility 4, got %d", cfg.Facility)
	}
}

func TestNewSyslogWriter_MissingHost(t *testing.T) {
	_, err := NewSyslogWriter(SyslogConfig{})
	if err == nil {
		t.Error("Expected error for missing host")
	}
}

func TestParseSyslogAddress(t *testing.T) {
	tests := []struct {
		in       string
		host     string
		port     int
		protocol string
		wantErr  bool
	}{
		{"loghost", "loghost", 514, "udp", false},
		{"loghost:1514", "loghost", 1514, "udp", false},
		{"tcp://10.0.0.5:601", "10.0.0.5", 601, "tcp", false},
		{"udp://[::1]:514", "::1", 514, "udp", false},
		{"", "", 0, "", true},
		{"loghost:0", "", 0, "", true},
		{"loghost:http", "", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			cfg, err := ParseSyslogAddress(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSyslogAddress(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if cfg.Host != tt.host || cfg.Port != tt.port || cfg.Protocol != tt.protocol {
				t.Errorf("ParseSyslogAddress(%q) = %s %s:%d", tt.in, cfg.Protocol, cfg.Host, cfg.Port)
			}
		})
	}
}

func TestSyslogWriter_SendsRFC3164(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen on udp: %v", err)
	}
	defer pc.Close()

	port := pc.LocalAddr().(*net.UDPAddr).Port
	w, err := NewSyslogWriter(SyslogConfig{Host: "127.0.0.1", Port: port, Facility: 4})
	if err != nil {
		t.Fatalf("NewSyslogWriter: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("commit table=filter")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 1024)
	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	msg := string(buf[:n])
	if !strings.HasPrefix(msg, "<38>") {
		t.Errorf("expected priority <38>, got %q", msg)
	}
	if !strings.Contains(msg, " xtables[") || !strings.HasSuffix(msg, "commit table=filter") {
		t.Errorf("unexpected message %q", msg)
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if _, err := w.Write([]byte("late")); err == nil {
		t.Error("expected write after close to fail")
	}
}
