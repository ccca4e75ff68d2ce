package mcu

import (
	"hostd/pkg/serial"
)

// portTransport adapts *serial.Port to serialqueue.Transport — the thin
// seam that lets Reader route outbound frames through the reliability
// layer instead of writing the port directly.
type portTransport struct {
	port *serial.Port
}

func (t portTransport) Write(p []byte) (int, error) { return t.port.Write(p) }
