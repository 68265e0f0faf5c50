// Package log is a small wrapper around the standard library logger used by
// every netpulse component.
//
// Each component asks for a named logger once and keeps it:
//
//	l := log.ForService("broker")
//	l.Infof("client %s connected", id)
//	l.Debugf("broadcast to %d subscribers", n) // only when debug is on
//
// Debug output can be enabled globally (SetGlobalDebug) or per service
// (EnableDebugFor). ApplyDebug swaps the whole debug configuration at once and
// is what the serve command calls when its configuration file changes.
//
// Tests redirect output with SetOutput(&bytes.Buffer{}) and assert on the
// captured lines.
package log
