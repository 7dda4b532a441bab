//go:build linux

package ble

import (
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	bluezService     = "org.bluez"
	bluezDevice      = "org.bluez.Device1"
	propertiesChange = "org.freedesktop.DBus.Properties.PropertiesChanged"
)

// deviceLink follows org.bluez.Device1.Connected of one device. The adapter
// reports no disconnects on Linux.
type deviceLink struct {
	conn   *dbus.Conn
	suffix string
	rule   string
	set    func(bool)
	stop   chan struct{}
	done   chan struct{}

	mu   sync.Mutex
	path dbus.ObjectPath
}

// devicePathSuffix returns the last element of the BlueZ object path of address.
func devicePathSuffix(address string) string {
	return "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_")
}

func watchLink(address string, set func(bool)) (linkWatcher, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system D-Bus: %w", err)
	}

	l := &deviceLink{
		conn:   conn,
		suffix: devicePathSuffix(address),
		rule:   "type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',arg0='org.bluez.Device1'",
		set:    set,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	l.setPath(l.lookupPath())

	if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, l.rule).Err; err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to add match rule: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	go l.run(signals)
	return l, nil
}

// lookupPath finds the object path of the device under any adapter.
func (l *deviceLink) lookupPath() dbus.ObjectPath {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	obj := l.conn.Object(bluezService, "/")
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects); err != nil {
		return ""
	}
	for path, ifaces := range objects {
		if _, ok := ifaces[bluezDevice]; ok && strings.HasSuffix(string(path), l.suffix) {
			return path
		}
	}
	return ""
}

func (l *deviceLink) run(signals chan *dbus.Signal) {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			l.handle(sig)
		}
	}
}

func (l *deviceLink) setPath(path dbus.ObjectPath) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path == "" {
		l.path = path
	}
}

func (l *deviceLink) devicePath() dbus.ObjectPath {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// handle applies a PropertiesChanged signal for this device.
func (l *deviceLink) handle(sig *dbus.Signal) {
	if sig == nil || sig.Name != propertiesChange {
		return
	}
	if !strings.HasSuffix(string(sig.Path), l.suffix) {
		return
	}
	if len(sig.Body) < 2 {
		return
	}
	if iface, ok := sig.Body[0].(string); !ok || iface != bluezDevice {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	if v, ok := changed["Connected"]; ok {
		if connected, ok := v.Value().(bool); ok {
			l.setPath(sig.Path)
			l.set(connected)
		}
	}
}

// connected reads the current value of the Connected property.
func (l *deviceLink) connected() (bool, error) {
	path := l.devicePath()
	if path == "" {
		if path = l.lookupPath(); path == "" {
			return false, fmt.Errorf("device %s not known to BlueZ", strings.TrimPrefix(l.suffix, "/dev_"))
		}
		l.setPath(path)
	}
	v, err := l.conn.Object(bluezService, path).GetProperty(bluezDevice + ".Connected")
	if err != nil {
		return false, err
	}
	connected, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("unexpected Connected value %v", v)
	}
	return connected, nil
}

func (l *deviceLink) close() {
	close(l.stop)
	<-l.done
	l.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, l.rule)
	l.conn.Close()
}
