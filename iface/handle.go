package iface

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"arpscan/scan"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
)

// Options 打开网卡的参数
type Options struct {
	SnapLen     int32
	Promisc     bool
	PollTimeout time.Duration //一次读取最长的等待时间
	Filter      string        //BPF 过滤规则
	DumpPath    string        //非空时把读到的帧写进 pcap 文件
}

func DefaultOptions() Options {
	return Options{
		SnapLen:     1600,
		Promisc:     true,
		PollTimeout: 100 * time.Millisecond,
		Filter:      "arp",
	}
}

// Handle 基于 pcap 的网卡句柄,实现 scan.Handle
type Handle struct {
	name   string
	handle *pcap.Handle

	mu       sync.Mutex
	dump     *pcapgo.Writer
	dumpFile *os.File
}

// Open 打开网卡。网卡不存在时返回 *scan.ConfigError
func Open(name string, opts Options) (*Handle, error) {
	if _, err := net.InterfaceByName(name); err != nil {
		return nil, &scan.ConfigError{Field: "interface", Err: err}
	}
	if opts.SnapLen <= 0 {
		opts.SnapLen = DefaultOptions().SnapLen
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultOptions().PollTimeout
	}

	//timeout 不能是 BlockForever,否则监听者无法及时看到停止信号
	handle, err := pcap.OpenLive(name, opts.SnapLen, opts.Promisc, opts.PollTimeout)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", name, err)
	}
	if opts.Filter != "" {
		if err := handle.SetBPFFilter(opts.Filter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("could not set BPF filter %q: %w", opts.Filter, err)
		}
	}

	h := &Handle{name: name, handle: handle}
	if opts.DumpPath != "" {
		f, err := os.Create(opts.DumpPath)
		if err != nil {
			handle.Close()
			return nil, fmt.Errorf("could not create capture file: %w", err)
		}
		w := pcapgo.NewWriter(f)
		if err := w.WriteFileHeader(uint32(opts.SnapLen), handle.LinkType()); err != nil {
			f.Close()
			handle.Close()
			return nil, fmt.Errorf("could not write capture header: %w", err)
		}
		h.dump, h.dumpFile = w, f
		log.Debugf("writing captured frames to %s", opts.DumpPath)
	}
	return h, nil
}

func (h *Handle) Name() string { return h.name }

func (h *Handle) WritePacketData(data []byte) error {
	return h.handle.WritePacketData(data)
}

// ReadPacketData 轮询超时转换成 scan.ErrReadTimeout
func (h *Handle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := h.handle.ReadPacketData()
	if err == pcap.NextErrorTimeoutExpired {
		return nil, ci, scan.ErrReadTimeout
	}
	if err != nil {
		return nil, ci, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dump != nil {
		if werr := h.dump.WritePacket(ci, data); werr != nil {
			log.Warnf("capture file write failed, disabling dump: %v", werr)
			h.dump = nil
		}
	}
	return data, ci, nil
}

// Stats 内核统计的接收和丢弃数量
func (h *Handle) Stats() (received, dropped int) {
	stats, err := h.handle.Stats()
	if err != nil {
		return 0, 0
	}
	return stats.PacketsReceived, stats.PacketsDropped
}

func (h *Handle) Close() {
	h.handle.Close()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dumpFile != nil {
		h.dumpFile.Close()
		h.dumpFile, h.dump = nil, nil
	}
}
