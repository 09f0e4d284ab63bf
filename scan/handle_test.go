package scan

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	ourIP  = net.IPv4(192, 168, 1, 100).To4()
	ourMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x64}
)

// fakeReply 模拟一个主机在 delay 之后用 mac 应答
type fakeReply struct {
	mac   net.HardwareAddr
	delay time.Duration
}

// responder 根据目标和第几次请求决定如何应答
type responder func(target net.IP, attempt int) []fakeReply

// fakeHandle 不需要权限和 libpcap 的网卡
type fakeHandle struct {
	mu       sync.Mutex
	sent     map[string]int
	total    int
	writeErr error
	readErrs []error

	respond responder
	inbox   chan []byte
	poll    time.Duration
}

func newFakeHandle(respond responder) *fakeHandle {
	return &fakeHandle{
		sent:    make(map[string]int),
		respond: respond,
		inbox:   make(chan []byte, 256),
		poll:    5 * time.Millisecond,
	}
}

func (h *fakeHandle) WritePacketData(data []byte) error {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	arpLayer := packet.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		return errors.New("not an ARP frame")
	}
	arp := arpLayer.(*layers.ARP)
	target := make(net.IP, 4)
	copy(target, arp.DstProtAddress)

	h.mu.Lock()
	if h.writeErr != nil {
		h.mu.Unlock()
		return h.writeErr
	}
	h.sent[target.String()]++
	h.total++
	attempt := h.sent[target.String()]
	h.mu.Unlock()

	if h.respond == nil {
		return nil
	}
	for _, r := range h.respond(target, attempt) {
		frame := arpFrame(layers.ARPReply, target, r.mac, ourIP, ourMAC)
		time.AfterFunc(r.delay, func() { h.inbox <- frame })
	}
	return nil
}

func (h *fakeHandle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	h.mu.Lock()
	if len(h.readErrs) > 0 {
		err := h.readErrs[0]
		h.readErrs = h.readErrs[1:]
		h.mu.Unlock()
		return nil, gopacket.CaptureInfo{}, err
	}
	h.mu.Unlock()

	timer := time.NewTimer(h.poll)
	defer timer.Stop()
	select {
	case frame := <-h.inbox:
		ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(frame), Length: len(frame)}
		return frame, ci, nil
	case <-timer.C:
		return nil, gopacket.CaptureInfo{}, ErrReadTimeout
	}
}

func (h *fakeHandle) inject(frame []byte) {
	h.inbox <- frame
}

func (h *fakeHandle) sentTo(ip string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sent[ip]
}

func (h *fakeHandle) sentTotal() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

func arpFrame(op uint16, srcIP net.IP, srcMAC net.HardwareAddr, dstIP net.IP, dstMAC net.HardwareAddr) []byte {
	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   []byte(srcMAC),
		SourceProtAddress: []byte(srcIP.To4()),
		DstHwAddress:      []byte(dstMAC),
		DstProtAddress:    []byte(dstIP.To4()),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &arp); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func hostMAC(last byte) net.HardwareAddr {
	return net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x01, last}
}

// replyFrom 只有列出的主机第一次请求就应答
func replyFrom(delays map[string]time.Duration) responder {
	return func(target net.IP, attempt int) []fakeReply {
		delay, ok := delays[target.String()]
		if !ok {
			return nil
		}
		return []fakeReply{{mac: hostMAC(target[3]), delay: delay}}
	}
}

func testConfig(ranges ...string) Config {
	cfg := DefaultConfig()
	cfg.Ranges = ranges
	cfg.Interface = "fake0"
	cfg.SourceIP = ourIP
	cfg.SourceMAC = ourMAC
	cfg.Interval = time.Millisecond
	cfg.Timeout = 100 * time.Millisecond
	cfg.Retries = 0
	cfg.GracePeriod = 100 * time.Millisecond
	cfg.GlobalTimeout = 5 * time.Second
	cfg.PollInterval = 10 * time.Millisecond
	return cfg
}
