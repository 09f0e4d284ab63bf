package scan

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResultString(t *testing.T) {
	down := NewResult(net.ParseIP("192.168.1.9"))
	assert.False(t, down.IsHostUp())
	assert.Equal(t, "Scan result for 192.168.1.9:\n\tHost is down!", down.String())

	up := Result{
		Host:         net.ParseIP("192.168.1.2"),
		Mac:          net.HardwareAddr{0xb8, 0x27, 0xeb, 0x00, 0x00, 0x02},
		Manufacturer: "Raspberry Pi Foundation",
		Name:         "pi.lan",
		Latency:      3 * time.Millisecond,
	}
	assert.True(t, up.IsHostUp())
	assert.Equal(t, "Scan result for 192.168.1.2:\n"+
		"\tMAC       b8:27:eb:00:00:02\n"+
		"\tLATENCY   3ms\n"+
		"\tVENDOR    Raspberry Pi Foundation\n"+
		"\tHOSTNAME  pi.lan\n", up.String())

	noVendor := up
	noVendor.Manufacturer = ""
	noVendor.Latency = -1
	assert.NotContains(t, noVendor.String(), "VENDOR")
	assert.NotContains(t, noVendor.String(), "LATENCY")
}
