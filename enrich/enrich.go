package enrich

import (
	"context"
	"net"
	"strings"
	"sync"

	"arpscan/oui"
	"arpscan/scan"

	"github.com/mostlygeek/arp"
	log "github.com/sirupsen/logrus"
)

// Resolver 反向解析,*net.Resolver 满足这个接口
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// Enricher 把 ARP 应答补充成带厂商、主机名、延迟的结果
type Enricher struct {
	Vendors  *oui.DB
	Resolver Resolver //为 nil 时不解析主机名
	Workers  int      //并发解析的协程数量

	// Cache 查询内核 ARP 缓存,默认是 arp.Search
	Cache func(ip string) string
}

// Mismatch 应答的 MAC 和内核缓存里记录的不一致,可能是 ARP 欺骗
type Mismatch struct {
	Host    net.IP
	Replied net.HardwareAddr
	Cached  string
}

//解析任务
type job struct {
	index int
	ip    net.IP
}

// Enrich 保持 summary.Results 的顺序
func (e *Enricher) Enrich(ctx context.Context, summary *scan.Summary) []scan.Result {
	results := make([]scan.Result, len(summary.Results))
	for i, rec := range summary.Results {
		r := scan.NewResult(rec.IP)
		r.Mac = rec.MAC
		r.Latency = summary.Latency(rec)
		r.Manufacturer = e.Vendors.Lookup(rec.MAC)
		results[i] = r
	}

	if e.Resolver == nil || len(results) == 0 {
		return results
	}

	workers := e.Workers
	if workers <= 0 {
		workers = 8
	}
	jobChan := make(chan job, workers)
	names := make([]string, len(results))
	wg := &sync.WaitGroup{}

	//消费者数量固定,每个结果只写自己的下标
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobChan {
				names[j.index] = e.lookup(ctx, j.ip)
			}
		}()
	}

	for i, r := range results {
		if ctx.Err() != nil {
			break
		}
		jobChan <- job{index: i, ip: r.Host}
	}
	close(jobChan)
	wg.Wait()

	for i := range results {
		results[i].Name = names[i]
	}
	return results
}

func (e *Enricher) lookup(ctx context.Context, ip net.IP) string {
	if ctx.Err() != nil {
		return ""
	}
	names, err := e.Resolver.LookupAddr(ctx, ip.String())
	if err != nil || len(names) == 0 {
		log.Debugf("no hostname for %s: %v", ip, err)
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

// Mismatches 对比内核 ARP 缓存,每条不一致都会记录一条警告
func (e *Enricher) Mismatches(results []scan.Result) []Mismatch {
	search := e.Cache
	if search == nil {
		arp.CacheUpdate()
		search = arp.Search
	}

	var out []Mismatch
	for _, r := range results {
		cached := search(r.Host.String())
		if cached == "" || cached == "00:00:00:00:00:00" {
			continue
		}
		mac, err := net.ParseMAC(cached)
		if err != nil || mac.String() == r.Mac.String() {
			continue
		}
		log.Warnf("%s answered as %s but the kernel ARP cache has %s", r.Host, r.Mac, cached)
		out = append(out, Mismatch{Host: r.Host, Replied: r.Mac, Cached: cached})
	}
	return out
}
