package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

const registryURL = "https://standards-oui.ieee.org/oui/oui.csv"

//用于更新厂商数据库,默认写到 ./data/ieee-oui.csv,也可以传入路径
func main() {
	path := "./data/ieee-oui.csv" //以执行目录为准
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	resp, err := http.Get(registryURL)
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("%s: unexpected status %s", registryURL, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Fatal(err)
	}
	tmp := path + ".tmp"
	output, err := os.Create(tmp)
	if err != nil {
		log.Fatal(err)
	}

	//逐行校验后再写入,避免把错误页面当成数据库
	reader := csv.NewReader(resp.Body)
	reader.FieldsPerRecord = -1
	writer := csv.NewWriter(output)
	count := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			output.Close()
			os.Remove(tmp)
			log.Fatal(err)
		}
		if len(record) < 3 || record[1] == "" {
			continue
		}
		writer.Write(record)
		count++
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		output.Close()
		os.Remove(tmp)
		log.Fatal(err)
	}
	output.Close()

	if count < 2 { //只有表头
		os.Remove(tmp)
		log.Fatalf("%s: no assignments found", registryURL)
	}
	if err := os.Rename(tmp, path); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%d assignments written to %s\n", count-1, path)
}
