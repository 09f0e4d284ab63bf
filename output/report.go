package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"arpscan/scan"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

// 支持的输出格式
const (
	FormatPlain = "plain"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
	FormatCSV   = "csv"
)

// Formats 所有支持的格式,用于命令行帮助
var Formats = []string{FormatPlain, FormatJSON, FormatYAML, FormatCSV}

// Item 一行结果
type Item struct {
	IPv4     string `json:"ipv4" yaml:"ipv4"`
	MAC      string `json:"mac" yaml:"mac"`
	Hostname string `json:"hostname" yaml:"hostname"`
	Vendor   string `json:"vendor" yaml:"vendor"`
}

// Report 导出的完整结果,包含统计信息
type Report struct {
	PacketCount int    `json:"packet_count" yaml:"packet_count"`
	ARPCount    int    `json:"arp_count" yaml:"arp_count"`
	DurationMS  int64  `json:"duration_ms" yaml:"duration_ms"`
	Results     []Item `json:"results" yaml:"results"`
}

// NewReport 结果按 IPv4 地址排序
func NewReport(summary *scan.Summary, results []scan.Result) Report {
	sorted := make([]scan.Result, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Host.To4(), sorted[j].Host.To4()) < 0
	})

	report := Report{
		PacketCount: summary.PacketCount,
		ARPCount:    summary.ARPCount,
		DurationMS:  summary.Elapsed.Milliseconds(),
		Results:     make([]Item, 0, len(sorted)),
	}
	for _, r := range sorted {
		report.Results = append(report.Results, Item{
			IPv4:     r.Host.String(),
			MAC:      r.Mac.String(),
			Hostname: r.Name,
			Vendor:   r.Manufacturer,
		})
	}
	return report
}

// Options 输出选项
type Options struct {
	Format          string
	ResolveHostname bool //关闭时 plain 格式的主机名一栏显示 (disabled)
}

// Write 按格式写出结果
func Write(w io.Writer, report Report, opts Options) error {
	switch strings.ToLower(opts.Format) {
	case "", FormatPlain:
		return writePlain(w, report, opts)
	case FormatJSON:
		enc := json.NewEncoder(w)
		return enc.Encode(report)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	case FormatCSV:
		return writeCSV(w, report)
	}
	return fmt.Errorf("unknown output format %q, must be one of %s", opts.Format, strings.Join(Formats, ", "))
}

func writeCSV(w io.Writer, report Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"ipv4", "mac", "hostname", "vendor"}); err != nil {
		return err
	}
	for _, item := range report.Results {
		if err := cw.Write([]string{item.IPv4, item.MAC, item.Hostname, item.Vendor}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writePlain(w io.Writer, report Report, opts Options) error {
	hostnameLen, vendorLen := 15, 15
	for _, item := range report.Results {
		if len(item.Hostname) > hostnameLen {
			hostnameLen = len(item.Hostname)
		}
		if len(item.Vendor) > vendorLen {
			vendorLen = len(item.Vendor)
		}
	}

	b := &strings.Builder{}
	if len(report.Results) > 0 {
		fmt.Fprintln(b)
		fmt.Fprintf(b, "| %-15s | %-17s | %-*s | %-*s |\n", "IPv4", "MAC", hostnameLen, "Hostname", vendorLen, "Vendor")
		fmt.Fprintf(b, "|-%s-|-%s-|-%s-|-%s-|\n",
			strings.Repeat("-", 15), strings.Repeat("-", 17),
			strings.Repeat("-", hostnameLen), strings.Repeat("-", vendorLen))
	}
	for _, item := range report.Results {
		hostname := item.Hostname
		if hostname == "" && !opts.ResolveHostname {
			hostname = "(disabled)"
		}
		fmt.Fprintf(b, "| %-15s | %-17s | %-*s | %-*s |\n", item.IPv4, item.MAC, hostnameLen, hostname, vendorLen, item.Vendor)
	}

	fmt.Fprintln(b)
	fmt.Fprint(b, "ARP scan finished, ")
	switch n := len(report.Results); n {
	case 0:
		fmt.Fprint(b, color.RedString("no hosts found"))
	case 1:
		fmt.Fprint(b, "1 host found")
	default:
		fmt.Fprintf(b, "%d hosts found", n)
	}
	fmt.Fprintf(b, " in %.3f seconds\n", float64(report.DurationMS)/1000)

	switch report.PacketCount {
	case 0:
		fmt.Fprint(b, "No packets received, ")
	case 1:
		fmt.Fprint(b, "1 packet received, ")
	default:
		fmt.Fprintf(b, "%d packets received, ", report.PacketCount)
	}
	switch report.ARPCount {
	case 0:
		fmt.Fprintln(b, "no ARP packets filtered")
	case 1:
		fmt.Fprintln(b, "1 ARP packet filtered")
	default:
		fmt.Fprintf(b, "%d ARP packets filtered\n", report.ARPCount)
	}
	fmt.Fprintln(b)

	_, err := io.WriteString(w, b.String())
	return err
}
