package scan

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"
)

// retryPoll 等待重试期间检查应答的间隔
const retryPoll = 10 * time.Millisecond

var (
	// BroadcastMAC ARP 请求默认的以太网目的地址
	BroadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	zeroMAC      = []byte{0, 0, 0, 0, 0, 0}
)

// ProbeRecord 一个目标的发送记录,只由发送者修改
type ProbeRecord struct {
	Target      net.IP
	FirstSentAt time.Time
	SentAt      time.Time //最近一次发送
	Retries     int
}

// Transmitter 为每个目标构造并发送 ARP 请求,按间隔限速,超时未应答则重试
type Transmitter struct {
	handle     Handle
	iface      string
	srcIP      net.IP
	srcMAC     net.HardwareAddr
	dstMAC     net.HardwareAddr
	interval   time.Duration
	timeout    time.Duration
	maxRetries int
	targets    *TargetIterator
	results    *ResultSet
	onProbe    func(target net.IP, attempt int)

	serializeOptions gopacket.SerializeOptions

	mu      sync.Mutex
	records map[string]*ProbeRecord
	order   []*ProbeRecord
	sent    int
}

// NewTransmitter 由会话根据配置创建,targets 和 results 与监听者共享
func NewTransmitter(cfg Config, handle Handle, targets *TargetIterator, results *ResultSet) *Transmitter {
	dst := cfg.DestinationMAC
	if dst == nil {
		dst = BroadcastMAC
	}
	return &Transmitter{
		handle:     handle,
		iface:      cfg.Interface,
		srcIP:      cfg.SourceIP.To4(),
		srcMAC:     cfg.SourceMAC,
		dstMAC:     dst,
		interval:   cfg.Interval,
		timeout:    cfg.Timeout,
		maxRetries: cfg.Retries,
		targets:    targets,
		results:    results,
		onProbe:    cfg.OnProbe,
		serializeOptions: gopacket.SerializeOptions{
			FixLengths:       true,
			ComputeChecksums: true,
		},
		records: make(map[string]*ProbeRecord),
	}
}

// SendProbe 发送一个 ARP 请求,写入失败返回 *InterfaceWriteError
func (t *Transmitter) SendProbe(target net.IP) error {
	data, err := t.buildRequest(target)
	if err != nil {
		return err
	}
	if err := t.handle.WritePacketData(data); err != nil {
		return &InterfaceWriteError{Interface: t.iface, Err: err}
	}

	t.mu.Lock()
	t.sent++
	t.mu.Unlock()
	return nil
}

func (t *Transmitter) buildRequest(target net.IP) ([]byte, error) {
	dst := target.To4()
	if dst == nil {
		return nil, fmt.Errorf("target %s is not an IPv4 address", target)
	}
	eth := layers.Ethernet{
		SrcMAC:       t.srcMAC,
		DstMAC:       t.dstMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte(t.srcMAC),
		SourceProtAddress: []byte(t.srcIP),
		DstHwAddress:      zeroMAC,
		DstProtAddress:    []byte(dst),
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, t.serializeOptions, &eth, &arp); err != nil {
		return nil, fmt.Errorf("serialize ARP request for %s: %w", target, err)
	}
	return buf.Bytes(), nil
}

// run 发送循环:到期的重试优先,然后是新的目标。所有目标都已应答或者重试耗尽后返回 nil
// ctx 结束时立即返回 nil,只有写入失败才返回错误
func (t *Transmitter) run(ctx context.Context) error {
	var queue []*ProbeRecord //等待应答的记录,按截止时间排序
	exhausted := false

	for {
		if ctx.Err() != nil {
			return nil
		}

		//已经应答的不再等待
		for len(queue) > 0 && t.results.Contains(queue[0].Target) {
			queue = queue[1:]
		}

		if len(queue) > 0 && !time.Now().Before(queue[0].SentAt.Add(t.timeout)) {
			rec := queue[0]
			queue = queue[1:]
			if rec.Retries >= t.maxRetries {
				log.Debugf("%s did not answer after %d probes", rec.Target, rec.Retries+1)
				continue
			}
			t.mu.Lock()
			rec.Retries++
			t.mu.Unlock()
			if err := t.transmit(rec); err != nil {
				return err
			}
			queue = append(queue, rec)
			if !sleep(ctx, t.interval) {
				return nil
			}
			continue
		}

		if !exhausted {
			ip, err := t.targets.Next()
			if err == io.EOF {
				exhausted = true
				log.Debugf("all %d targets probed once", t.targets.Size())
				continue
			}
			if err != nil {
				return err
			}

			rec := &ProbeRecord{Target: ip}
			t.mu.Lock()
			t.records[ip.String()] = rec
			t.order = append(t.order, rec)
			t.mu.Unlock()

			if err := t.transmit(rec); err != nil {
				return err
			}
			queue = append(queue, rec)
			if !sleep(ctx, t.interval) {
				return nil
			}
			continue
		}

		if len(queue) == 0 {
			return nil
		}

		wait := time.Until(queue[0].SentAt.Add(t.timeout))
		if wait > retryPoll {
			wait = retryPoll
		}
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

func (t *Transmitter) transmit(rec *ProbeRecord) error {
	now := time.Now()
	t.mu.Lock()
	if rec.FirstSentAt.IsZero() {
		rec.FirstSentAt = now
	}
	rec.SentAt = now
	attempt := rec.Retries + 1
	t.mu.Unlock()

	log.Debugf("ARP request to %s (attempt %d)", rec.Target, attempt)
	if err := t.SendProbe(rec.Target); err != nil {
		return err
	}
	if t.onProbe != nil {
		t.onProbe(rec.Target, attempt)
	}
	return nil
}

// Sent 已发送的请求帧数量
func (t *Transmitter) Sent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent
}

// Probes 按首次发送顺序返回记录的拷贝
func (t *Transmitter) Probes() []ProbeRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ProbeRecord, 0, len(t.order))
	for _, rec := range t.order {
		out = append(out, *rec)
	}
	return out
}

// sleep 可被 ctx 打断的等待,ctx 结束时返回 false
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
