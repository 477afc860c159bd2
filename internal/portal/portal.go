// Package portal queries the xdg-desktop-portal ScreenCast interface. On
// linux desktops the portal is the broker that decides whether a process
// may capture the screen at all, so the capture permission probe routes
// through it; compositors without a portal fall back to direct grabs with
// no permission gate.
package portal

import (
	"github.com/godbus/dbus/v5"
)

const (
	busName           = "org.freedesktop.portal.Desktop"
	objectPath        = "/org/freedesktop/portal/desktop"
	propertiesGetName = "org.freedesktop.DBus.Properties.Get"

	screenCastInterface = "org.freedesktop.portal.ScreenCast"
)

// Portal source type bits, per the ScreenCast interface.
const (
	SourceTypeMonitor uint32 = 1
	SourceTypeWindow  uint32 = 2
	SourceTypeVirtual uint32 = 4
)

// Portal cursor mode bits.
const (
	CursorModeHidden   uint32 = 1
	CursorModeEmbedded uint32 = 2
	CursorModeMetadata uint32 = 4
)

func getProperty(property string) (any, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, err
	}

	obj := conn.Object(busName, objectPath)
	call := obj.Call(propertiesGetName, 0, screenCastInterface, property)
	if call.Err != nil {
		return nil, call.Err
	}

	var value any
	err = call.Store(&value)
	return value, err
}

func getUint32Property(property string) (uint32, error) {
	value, err := getProperty(property)
	if err != nil {
		return 0, err
	}
	v, ok := value.(uint32)
	if !ok {
		return 0, dbus.ErrMsgInvalidArg
	}
	return v, nil
}

// Version reports the ScreenCast interface version.
func Version() (uint32, error) {
	return getUint32Property("version")
}

// SourceTypes reports the capture source types the portal offers.
func SourceTypes() (uint32, error) {
	return getUint32Property("AvailableSourceTypes")
}

// CursorModes reports the cursor composition modes the portal offers.
func CursorModes() (uint32, error) {
	return getUint32Property("AvailableCursorModes")
}

// MonitorCaptureAllowed reports whether the portal brokers monitor capture
// for this process. False when the session bus or the ScreenCast interface
// is unreachable, or when monitors are not an offered source type.
func MonitorCaptureAllowed() bool {
	types, err := SourceTypes()
	if err != nil {
		return false
	}
	return types&SourceTypeMonitor != 0
}

// Available reports whether a ScreenCast portal is reachable at all.
func Available() bool {
	_, err := Version()
	return err == nil
}
