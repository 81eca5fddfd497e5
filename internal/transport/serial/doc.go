// Package serial implements the framed USB serial link to a museum-alert
// sensor.
//
// The device speaks UTF-8 JSON wrapped in "<|" and "|>" with no length
// prefix or checksum. A Transport owns the port, extracts frames from the
// raw byte stream with a Framer, and reports everything that happens on a
// single ordered event channel:
//
//	opened  -> port is usable
//	frame   -> one frame body, delimiters stripped
//	closed  -> device went away (unplugged, EOF)
//	errored -> read/write fault or reconnect limit reached
//
// After closed or errored the read loop reopens the port, pacing attempts
// with an injectable Backoff (Immediate, Constant or Exponential).
//
// # Usage
//
//	t, err := serial.Open(ctx, serial.Config{Port: "/dev/ttyACM0", BaudRate: 9600})
//	if err != nil {
//	    return err
//	}
//	defer t.Close()
//
//	for ev := range t.Events() {
//	    if ev.Kind == serial.EventFrame {
//	        handle(ev.Frame)
//	    }
//	}
package serial
