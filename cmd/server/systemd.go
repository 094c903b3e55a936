package main

import (
	"net"
	"os"

	"github.com/keithlinneman/mdembed/internal/xerrors"
)

// notifySystemd sends READY=1 when running as a Type=notify unit. It is a
// no-op elsewhere.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return nil
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "systemd notify: dial")
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return xerrors.Wrap(err, "systemd notify: write")
	}
	return nil
}
