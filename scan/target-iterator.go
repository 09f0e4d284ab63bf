package scan

import (
	"encoding/binary"
	"io"
	"net"
	"sort"
	"strings"
)

// span 闭区间 [first, last],以 uint32 表示的 IPv4 地址
type span struct {
	first uint32
	last  uint32
}

func (s span) contains(ip uint32) bool {
	return ip >= s.first && ip <= s.last
}

func (s span) size() uint64 {
	return uint64(s.last) - uint64(s.first) + 1
}

// TargetIterator 把若干个网段展开成有序、去重、可重启的目标地址序列
type TargetIterator struct {
	ranges  []string
	spans   []span
	exclude []span
	size    int

	index int    // 当前所在的 span
	cur   uint64 // 当前 span 中下一个地址,用 uint64 防止在 255.255.255.255 处溢出
}

// NewTargetIterator 192.168.1.0/24 -> 192.168.1.1 ... 192.168.1.254
// 支持 CIDR、单个 IP 以及 a-b 形式的区间,exclude 使用同样的格式
func NewTargetIterator(ranges []string, exclude []string) (*TargetIterator, error) {
	ti := &TargetIterator{}

	for _, r := range ranges {
		r = strings.TrimSpace(r)
		sp, err := parseSpan(r, true)
		if err != nil {
			return nil, err
		}
		ti.ranges = append(ti.ranges, r)
		ti.spans = append(ti.spans, sp)
	}
	if len(ti.spans) == 0 {
		return nil, &InvalidRangeError{Reason: "no range given"}
	}

	for _, e := range exclude {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		sp, err := parseSpan(e, false)
		if err != nil {
			return nil, err
		}
		ti.exclude = append(ti.exclude, sp)
	}

	ti.size = countSpans(ti.spans, ti.exclude)
	if ti.size == 0 {
		return nil, &InvalidRangeError{
			Range:  strings.Join(ti.ranges, ","),
			Reason: "no usable host addresses",
		}
	}

	ti.Reset()
	return ti, nil
}

// Next 返回下一个目标,序列耗尽后返回 io.EOF
func (ti *TargetIterator) Next() (net.IP, error) {
	for ti.index < len(ti.spans) {
		sp := ti.spans[ti.index]
		if ti.cur > uint64(sp.last) {
			ti.index++
			if ti.index < len(ti.spans) {
				ti.cur = uint64(ti.spans[ti.index].first)
			}
			continue
		}

		ip := uint32(ti.cur)
		ti.cur++
		if ti.skip(ti.index, ip) {
			continue
		}
		return uint32ToIP(ip), nil
	}
	return nil, io.EOF
}

// Reset 回到序列起点
func (ti *TargetIterator) Reset() {
	ti.index = 0
	ti.cur = uint64(ti.spans[0].first)
}

// Size 序列会产生的地址数量
func (ti *TargetIterator) Size() int {
	return ti.size
}

// Contains 判断 ip 是否属于这个序列
func (ti *TargetIterator) Contains(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	n := ipToUint32(ip4)
	for _, ex := range ti.exclude {
		if ex.contains(n) {
			return false
		}
	}
	for _, sp := range ti.spans {
		if sp.contains(n) {
			return true
		}
	}
	return false
}

// Ranges 返回原始的网段描述
func (ti *TargetIterator) Ranges() []string {
	return ti.ranges
}

// skip 被排除,或者已经被前面的 span 覆盖过
func (ti *TargetIterator) skip(index int, ip uint32) bool {
	for _, ex := range ti.exclude {
		if ex.contains(ip) {
			return true
		}
	}
	for j := 0; j < index; j++ {
		if ti.spans[j].contains(ip) {
			return true
		}
	}
	return false
}

// parseSpan 解析一个范围。usable 为 true 时,/30 及更大的网段去掉网络地址和广播地址
func parseSpan(expr string, usable bool) (span, error) {
	if expr == "" {
		return span{}, &InvalidRangeError{Range: expr, Reason: "empty range"}
	}

	if strings.Contains(expr, "/") {
		ip, ipnet, err := net.ParseCIDR(expr)
		if err != nil {
			return span{}, &InvalidRangeError{Range: expr, Reason: err.Error()}
		}
		if ip.To4() == nil {
			return span{}, &InvalidRangeError{Range: expr, Reason: "only IPv4 ranges can be resolved with ARP"}
		}
		ones, bits := ipnet.Mask.Size()
		if bits != 32 {
			return span{}, &InvalidRangeError{Range: expr, Reason: "only IPv4 ranges can be resolved with ARP"}
		}

		network := ipToUint32(ipnet.IP.To4())
		broadcast := network | ^ipToUint32(net.IP(ipnet.Mask))
		if usable && ones <= 30 {
			return span{first: network + 1, last: broadcast - 1}, nil
		}
		// /31 点对点链路两个地址都可用,/32 就是它自己
		return span{first: network, last: broadcast}, nil
	}

	if parts := strings.Split(expr, "-"); len(parts) == 2 {
		start := net.ParseIP(strings.TrimSpace(parts[0])).To4()
		end := net.ParseIP(strings.TrimSpace(parts[1])).To4()
		if start == nil || end == nil {
			return span{}, &InvalidRangeError{Range: expr, Reason: "range bounds must be IPv4 addresses"}
		}
		first, last := ipToUint32(start), ipToUint32(end)
		if first > last {
			return span{}, &InvalidRangeError{Range: expr, Reason: "range start is after range end"}
		}
		return span{first: first, last: last}, nil
	}

	ip := net.ParseIP(expr)
	if ip == nil {
		return span{}, &InvalidRangeError{Range: expr, Reason: "not an address, CIDR or range"}
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return span{}, &InvalidRangeError{Range: expr, Reason: "only IPv4 ranges can be resolved with ARP"}
	}
	n := ipToUint32(ip4)
	return span{first: n, last: n}, nil
}

// countSpans 合并重叠的区间后减去排除的区间
func countSpans(spans, exclude []span) int {
	merged := mergeSpans(spans)
	excluded := mergeSpans(exclude)

	var total uint64
	for _, sp := range merged {
		total += sp.size()
		for _, ex := range excluded {
			if ex.last < sp.first || ex.first > sp.last {
				continue
			}
			lo, hi := ex.first, ex.last
			if lo < sp.first {
				lo = sp.first
			}
			if hi > sp.last {
				hi = sp.last
			}
			total -= uint64(hi) - uint64(lo) + 1
		}
	}
	return int(total)
}

func mergeSpans(in []span) []span {
	if len(in) == 0 {
		return nil
	}
	sorted := make([]span, len(in))
	copy(sorted, in)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].first < sorted[j].first })

	out := []span{sorted[0]}
	for _, sp := range sorted[1:] {
		last := &out[len(out)-1]
		if uint64(sp.first) <= uint64(last.last)+1 {
			if sp.last > last.last {
				last.last = sp.last
			}
			continue
		}
		out = append(out, sp)
	}
	return out
}

func ipToUint32(ip net.IP) uint32 {
	if len(ip) == 16 {
		return binary.BigEndian.Uint32(ip[12:16])
	}
	return binary.BigEndian.Uint32(ip)
}

func uint32ToIP(n uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, n)
	return ip
}
