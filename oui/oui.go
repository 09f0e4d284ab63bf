// Package oui 根据 MAC 前缀查找 IEEE 分配的厂商
package oui

import (
	"encoding/csv"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
)

// DefaultPath 没有指定 --oui-file 时使用,tools/update.go 可以下载新的
const DefaultPath = "/usr/share/arp-scan/ieee-oui.csv"

// DB MA-L、MA-M 和 MA-S 分配,键是大写的十六进制前缀
type DB struct {
	prefixes map[string]string
}

// Load 从文件读取
func Load(path string) (*DB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse 读取 "Registry,Assignment,Organization Name,Organization Address" 格式的行,表头可有可无
func Parse(r io.Reader) (*DB, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	db := &DB{prefixes: make(map[string]string)}
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("oui line %d: %w", line, err)
		}
		if len(record) < 3 || record[0] == "Registry" {
			continue
		}

		prefix := strings.ToUpper(strings.TrimSpace(record[1]))
		name := strings.TrimSpace(record[2])
		switch len(prefix) { //24、28、36 位前缀
		case 6, 7, 9:
		default:
			continue
		}
		if prefix == "" || name == "" {
			continue
		}
		db.prefixes[prefix] = name
	}
	return db, nil
}

// Lookup 最长前缀匹配,找不到返回空串
func (db *DB) Lookup(mac net.HardwareAddr) string {
	if db == nil || len(mac) < 3 {
		return ""
	}
	hex := strings.ToUpper(strings.ReplaceAll(mac.String(), ":", ""))
	for _, n := range []int{9, 7, 6} {
		if len(hex) < n {
			continue
		}
		if name, ok := db.prefixes[hex[:n]]; ok {
			return name
		}
	}
	return ""
}

func (db *DB) Len() int {
	if db == nil {
		return 0
	}
	return len(db.prefixes)
}
