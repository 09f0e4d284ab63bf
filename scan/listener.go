package scan

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"
)

// Listener 在整个会话期间读取网卡上的帧,过滤出发给本机的 ARP 应答
type Listener struct {
	handle  Handle
	iface   string
	srcIP   net.IP
	targets *TargetIterator
	results *ResultSet
	onReply func(ReplyRecord)
	backoff time.Duration //读取出错后的等待时间

	eth     layers.Ethernet
	arp     layers.ARP
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	packets int64
	arps    int64
}

func NewListener(cfg Config, handle Handle, targets *TargetIterator, results *ResultSet) *Listener {
	l := &Listener{
		handle:  handle,
		iface:   cfg.Interface,
		srcIP:   cfg.SourceIP.To4(),
		targets: targets,
		results: results,
		onReply: cfg.OnReply,
		backoff: cfg.PollInterval,
		decoded: make([]gopacket.LayerType, 0, 2),
	}
	l.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &l.eth, &l.arp)
	l.parser.IgnoreUnsupported = true
	return l
}

// run 直到 ctx 结束。每次读取都受网卡轮询周期限制,所以停止信号能很快被看到
// 每记录一个新地址就向 replies 发一个非阻塞的通知
func (l *Listener) run(ctx context.Context, replies chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, ci, err := l.handle.ReadPacketData()
		if err != nil {
			if errors.Is(err, ErrReadTimeout) {
				continue
			}
			if err == io.EOF {
				log.Debugf("capture on %s reached end of stream", l.iface)
				return
			}
			//一次读取失败不应该丢弃已经发出去的请求
			log.Warn((&InterfaceReadError{Interface: l.iface, Err: err}).Error())
			if !sleep(ctx, l.backoff) {
				return
			}
			continue
		}

		atomic.AddInt64(&l.packets, 1)
		rec, ok := l.decode(data, ci)
		if !ok {
			continue
		}
		atomic.AddInt64(&l.arps, 1)

		if !l.results.Record(rec) {
			log.Debugf("duplicate ARP reply from %s (%s) ignored", rec.IP, rec.MAC)
			continue
		}
		log.Debugf("ARP reply from %s is-at %s", rec.IP, rec.MAC)
		if l.onReply != nil {
			l.onReply(rec)
		}
		select {
		case replies <- struct{}{}:
		default:
		}
	}
}

// decode 畸形或者不相关的帧直接丢弃
func (l *Listener) decode(data []byte, ci gopacket.CaptureInfo) (ReplyRecord, bool) {
	if err := l.parser.DecodeLayers(data, &l.decoded); err != nil {
		return ReplyRecord{}, false
	}

	isARP := false
	for _, layerType := range l.decoded {
		if layerType == layers.LayerTypeARP {
			isARP = true
		}
	}
	if !isARP {
		return ReplyRecord{}, false
	}

	arp := &l.arp
	if arp.Operation != layers.ARPReply ||
		arp.HwAddressSize != 6 || arp.ProtAddressSize != 4 ||
		len(arp.SourceHwAddress) != 6 || len(arp.SourceProtAddress) != 4 ||
		len(arp.DstProtAddress) != 4 {
		return ReplyRecord{}, false
	}
	if !net.IP(arp.DstProtAddress).Equal(l.srcIP) {
		return ReplyRecord{}, false
	}

	//句柄可能复用缓冲区,所以拷贝一份
	ip := make(net.IP, 4)
	copy(ip, arp.SourceProtAddress)
	if !l.targets.Contains(ip) {
		return ReplyRecord{}, false
	}
	mac := make(net.HardwareAddr, 6)
	copy(mac, arp.SourceHwAddress)

	received := ci.Timestamp
	if received.IsZero() {
		received = time.Now()
	}
	return ReplyRecord{IP: ip, MAC: mac, ReceivedAt: received}, true
}

// PacketCount 读取到的帧数量
func (l *Listener) PacketCount() int {
	return int(atomic.LoadInt64(&l.packets))
}

// ARPCount 通过过滤的 ARP 应答数量,包含重复的
func (l *Listener) ARPCount() int {
	return int(atomic.LoadInt64(&l.arps))
}
