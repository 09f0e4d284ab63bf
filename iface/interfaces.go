package iface

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/fatih/color"
)

// Interface 一块网卡的基本信息
type Interface struct {
	Name     string
	Up       bool
	Loopback bool
	MAC      net.HardwareAddr
	Addrs    []*net.IPNet
}

// IPv4 第一个 IPv4 地址及其掩码
func (i Interface) IPv4() *net.IPNet {
	for _, addr := range i.Addrs {
		if ip4 := addr.IP.To4(); ip4 != nil {
			return &net.IPNet{IP: ip4, Mask: addr.Mask[len(addr.Mask)-4:]}
		}
	}
	return nil
}

// Network 网卡所在的网段,例如 192.168.1.0/24
func (i Interface) Network() string {
	ipnet := i.IPv4()
	if ipnet == nil {
		return ""
	}
	ones, _ := ipnet.Mask.Size()
	return fmt.Sprintf("%s/%d", ipnet.IP.Mask(ipnet.Mask), ones)
}

// Ready 可以用来做 ARP 扫描: 启用、非回环、有 MAC 和 IPv4
func (i Interface) Ready() bool {
	return i.Up && !i.Loopback && len(i.MAC) > 0 && i.IPv4() != nil
}

// List 列出本机所有网卡
func List() ([]Interface, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make([]Interface, 0, len(ifs))
	for _, ni := range ifs {
		it := Interface{
			Name:     ni.Name,
			Up:       ni.Flags&net.FlagUp != 0,
			Loopback: ni.Flags&net.FlagLoopback != 0,
			MAC:      ni.HardwareAddr,
		}
		addrs, err := ni.Addrs()
		if err == nil {
			for _, addr := range addrs {
				if ipnet, ok := addr.(*net.IPNet); ok {
					it.Addrs = append(it.Addrs, ipnet)
				}
			}
		}
		out = append(out, it)
	}
	return out, nil
}

// Find 按名字查找
func Find(ifs []Interface, name string) (Interface, bool) {
	for _, it := range ifs {
		if it.Name == name {
			return it, true
		}
	}
	return Interface{}, false
}

// SelectDefault 第一块可以扫描的网卡
func SelectDefault(ifs []Interface) (Interface, bool) {
	for _, it := range ifs {
		if it.Ready() {
			return it, true
		}
	}
	return Interface{}, false
}

// Show 打印网卡列表,帮助选择扫描用的网卡
func Show(w io.Writer, ifs []Interface) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	ready := 0
	fmt.Fprintln(w)
	for _, it := range ifs {
		upText := fmt.Sprintf("%s DOWN", red("✖"))
		if it.Up {
			upText = fmt.Sprintf("%s UP", green("✔"))
		}
		macText := "No MAC address"
		if len(it.MAC) > 0 {
			macText = it.MAC.String()
		}
		firstIP := ""
		if len(it.Addrs) > 0 {
			firstIP = it.Addrs[0].String()
		}
		fmt.Fprintf(w, "%-20s %-18s %-20s %s\n", it.Name, upText, macText, firstIP)

		if it.Up && !it.Loopback && len(it.Addrs) > 0 {
			ready++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Found %d network interfaces, %d seems ready for ARP scans\n", len(ifs), ready)
	if def, ok := SelectDefault(ifs); ok {
		fmt.Fprintf(w, "Default network interface will be %s\n", def.Name)
	}
	fmt.Fprintln(w)
}

// IsRoot 打开原始套接字需要 root 权限
func IsRoot() bool {
	return os.Geteuid() == 0
}
