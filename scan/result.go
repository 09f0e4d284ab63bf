package scan

import (
	"net"
	"sync"
	"time"
)

// ReplyRecord 一次被接受的 ARP 应答,捕获之后不再修改
type ReplyRecord struct {
	IP         net.IP
	MAC        net.HardwareAddr
	ReceivedAt time.Time
}

// ResultSet 按首次应答顺序保存存活主机,同一个地址只保留第一次应答
type ResultSet struct {
	mu         sync.RWMutex
	index      map[string]int
	records    []ReplyRecord
	duplicates int
}

func NewResultSet() *ResultSet {
	return &ResultSet{index: make(map[string]int)}
}

// Record 返回该地址是否第一次出现。重复的应答只计数,不覆盖已有记录
func (rs *ResultSet) Record(r ReplyRecord) bool {
	key := r.IP.String()

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.index[key]; ok {
		rs.duplicates++
		return false
	}
	rs.index[key] = len(rs.records)
	rs.records = append(rs.records, r)
	return true
}

func (rs *ResultSet) Contains(ip net.IP) bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	_, ok := rs.index[ip.String()]
	return ok
}

func (rs *ResultSet) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.records)
}

// Duplicates 被忽略的重复应答数量
func (rs *ResultSet) Duplicates() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.duplicates
}

// Snapshot 返回记录的拷贝,顺序为首次应答的到达顺序
func (rs *ResultSet) Snapshot() []ReplyRecord {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]ReplyRecord, len(rs.records))
	copy(out, rs.records)
	return out
}
