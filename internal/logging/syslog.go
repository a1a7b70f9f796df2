package logging

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

// SyslogConfig describes a remote syslog destination.
type SyslogConfig struct {
	Host     string // server hostname or IP
	Port     int    // default 514
	Protocol string // udp or tcp, default udp
	Tag      string // default xtables
	Facility int    // default 4 (LOG_AUTH), where firewall changes usually go
}

// DefaultSyslogConfig returns the defaults applied by NewSyslogWriter.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Port:     514,
		Protocol: "udp",
		Tag:      "xtables",
		Facility: 4,
	}
}

// ParseSyslogAddress parses "host", "host:port" or "tcp://host:port".
func ParseSyslogAddress(s string) (SyslogConfig, error) {
	cfg := DefaultSyslogConfig()
	for _, proto := range []string{"udp", "tcp"} {
		if len(s) > len(proto)+3 && s[:len(proto)+3] == proto+"://" {
			cfg.Protocol = proto
			s = s[len(proto)+3:]
			break
		}
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		// no port
		host, port = s, ""
	}
	if host == "" {
		return SyslogConfig{}, fmt.Errorf("syslog host is required")
	}
	cfg.Host = host
	if port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return SyslogConfig{}, fmt.Errorf("invalid syslog port %q", port)
		}
		cfg.Port = p
	}
	return cfg, nil
}

// SyslogWriter is an io.Writer that forwards each write as one RFC 3164
// message.
type SyslogWriter struct {
	mu       sync.Mutex
	conn     net.Conn
	config   SyslogConfig
	hostname string
}

// NewSyslogWriter dials the syslog server.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	def := DefaultSyslogConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.Protocol == "" {
		cfg.Protocol = def.Protocol
	}
	if cfg.Tag == "" {
		cfg.Tag = def.Tag
	}

	conn, err := dialSyslog(cfg)
	if err != nil {
		return nil, err
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	return &SyslogWriter{conn: conn, config: cfg, hostname: hostname}, nil
}

func dialSyslog(cfg SyslogConfig) (net.Conn, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := net.DialTimeout(cfg.Protocol, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog server %s: %w", addr, err)
	}
	return conn, nil
}

// Write sends p with informational severity. A failed write drops the
// connection and redials once for the next message.
func (w *SyslogWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return 0, fmt.Errorf("syslog connection closed")
	}

	// Priority = facility * 8 + severity (6, informational)
	priority := w.config.Facility*8 + 6
	msg := fmt.Sprintf("<%d>%s %s %s[%d]: %s", priority, time.Now().Format(time.Stamp), w.hostname, w.config.Tag, os.Getpid(), p)

	if _, err = io.WriteString(w.conn, msg); err != nil {
		w.conn.Close()
		if conn, derr := dialSyslog(w.config); derr == nil {
			w.conn = conn
		} else {
			w.conn = nil
		}
		return 0, err
	}
	return len(p), nil
}

// Close closes the syslog connection.
func (w *SyslogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		err := w.conn.Close()
		w.conn = nil
		return err
	}
	return nil
}
