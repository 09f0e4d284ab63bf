package scan

import (
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
)

// Handle 网卡句柄。发送和接收是相互独立的操作,可以被两个协程同时使用
// ReadPacketData 必须在一个较短的轮询周期内返回,没有数据时返回 ErrReadTimeout
type Handle interface {
	WritePacketData(data []byte) error
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// Summary 一次会话的最终结果,交给输出层
type Summary struct {
	Results     []ReplyRecord //按首次应答的顺序
	Probes      []ProbeRecord
	ProbeCount  int           //实际发送的请求帧数量,包含重试
	PacketCount int           //读取到的帧数量
	ARPCount    int           //被接受的 ARP 应答数量
	Duplicates  int           //被忽略的重复应答
	Elapsed     time.Duration
	Interrupted bool //被操作员中断,结果是部分的
}

// Latency 从最近一次发往该地址的请求到收到应答的时间,未知时返回 -1
func (s *Summary) Latency(r ReplyRecord) time.Duration {
	for _, p := range s.Probes {
		if !p.Target.Equal(r.IP) {
			continue
		}
		if !p.SentAt.After(r.ReceivedAt) {
			return r.ReceivedAt.Sub(p.SentAt)
		}
		if !p.FirstSentAt.After(r.ReceivedAt) {
			return r.ReceivedAt.Sub(p.FirstSentAt)
		}
	}
	return -1
}

// Result 补充了厂商、主机名之后的一条存活主机
type Result struct {
	Host         net.IP
	Mac          net.HardwareAddr
	Manufacturer string        //OUI 厂商
	Name         string        //反向解析的主机名
	Latency      time.Duration //应答延迟
}

func NewResult(host net.IP) Result { //初始化
	return Result{
		Host:    host,
		Latency: -1,
	}
}

func (r Result) IsHostUp() bool {
	return r.Mac != nil //收到过应答才会有 MAC
}

// String 自定义打印 Result
func (r Result) String() string {
	text := fmt.Sprintf("Scan result for %s:\n", r.Host.String())
	if !r.IsHostUp() {
		return fmt.Sprintf("%s\tHost is down!", text)
	}

	text = fmt.Sprintf("%s\t%s%s\n", text, pad("MAC", 10), r.Mac)
	if r.Latency > -1 {
		text = fmt.Sprintf("%s\t%s%v\n", text, pad("LATENCY", 10), r.Latency)
	}
	if r.Manufacturer != "" {
		text = fmt.Sprintf("%s\t%s%s\n", text, pad("VENDOR", 10), r.Manufacturer)
	}
	if r.Name != "" {
		text = fmt.Sprintf("%s\t%s%s\n", text, pad("HOSTNAME", 10), r.Name)
	}
	return text
}

//填充空格直到达到指定的长度
func pad(input string, length int) string {
	for len(input) < length {
		input += " "
	}
	return input
}
