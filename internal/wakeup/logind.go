package wakeup

import (
	"fmt"
	"io"
	"os"

	"github.com/godbus/dbus/v5"
)

const (
	logindService = "org.freedesktop.login1"
	logindPath    = dbus.ObjectPath("/org/freedesktop/login1")
	logindInhibit = "org.freedesktop.login1.Manager.Inhibit"
)

// LogindInhibitor takes systemd-logind sleep delay locks over the system bus.
type LogindInhibitor struct {
	conn *dbus.Conn
	who  string
}

// NewLogindInhibitor uses conn, which must be connected to the system bus.
func NewLogindInhibitor(conn *dbus.Conn, who string) *LogindInhibitor {
	return &LogindInhibitor{conn: conn, who: who}
}

// Inhibit implements Inhibitor. Closing the returned file drops the lock.
func (i *LogindInhibitor) Inhibit(why string) (io.Closer, error) {
	var fd dbus.UnixFD
	obj := i.conn.Object(logindService, logindPath)
	if err := obj.Call(logindInhibit, 0, "sleep", i.who, why, "delay").Store(&fd); err != nil {
		return nil, fmt.Errorf("logind inhibit failed: %w", err)
	}
	return os.NewFile(uintptr(fd), "logind-inhibit"), nil
}
