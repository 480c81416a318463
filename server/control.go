package server

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Control socket protocol: one request line per connection, answered with
// "OK|..." or "ERROR|...".
//
//	stats
//	shutdown|reason
const (
	ControlStats    = "stats"
	ControlShutdown = "shutdown"
)

// ServeControl answers administrative commands on ln until it is closed.
func (s *Server) ServeControl(ln net.Listener) error {
	if !s.addListener(ln) {
		ln.Close()
		return nil
	}
	s.logger.Info("control socket listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("control accept failed", "error", err)
			continue
		}
		go s.handleControlCommand(conn)
	}
}

func (s *Server) handleControlCommand(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)
	switch parts[0] {
	case ControlStats:
		fmt.Fprintf(conn, "OK|%s\n", s.Stats())

	case ControlShutdown:
		reason := "maintenance"
		if len(parts) == 2 && parts[1] != "" {
			reason = parts[1]
		}
		fmt.Fprint(conn, "OK|Shutting down\n")
		conn.Close()

		s.logger.Info("shutdown requested over control socket", "reason", reason)
		go s.Shutdown(reason)

	default:
		fmt.Fprint(conn, "ERROR|Unknown command\n")
	}
}

// ControlRequest sends one command to a control socket and returns the reply
// without its status prefix.
func ControlRequest(path, command string) (string, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("connect control socket: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return "", fmt.Errorf("send command: %w", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && reply == "" {
		return "", fmt.Errorf("read reply: %w", err)
	}

	reply = strings.TrimSpace(reply)
	status, body, _ := strings.Cut(reply, "|")
	if status != "OK" {
		return "", fmt.Errorf("control: %s", body)
	}
	return body, nil
}
