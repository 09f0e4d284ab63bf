package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"arpscan/config"
	"arpscan/enrich"
	"arpscan/iface"
	"arpscan/oui"
	"arpscan/output"
	"arpscan/scan"

	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/cheggaaa/pb.v1"
)

//默认值来自 config.Default()
var configPath string         //配置文件
var interfaceName string      //网卡
var networks []string         //目标网段
var excludes []string         //排除的地址
var timeout time.Duration     //每个目标的超时
var scanTimeout time.Duration //整个扫描的超时
var retry int                 //重试次数
var interval time.Duration    //发送间隔
var grace time.Duration       //发送结束后的等待
var sourceIP string           //强制的源 IP
var sourceMAC string          //强制的源 MAC
var destinationMAC string     //强制的目的 MAC
var resolveHostname bool      //反向解析主机名
var ouiFile string            //厂商数据库
var outputFormat string       //输出格式
var pcapOut string            //抓包文件
var debug bool                //日志级别
var logFormat string          //日志格式
var listInterfaces bool       //列出网卡
var noProgress bool           //关闭进度条
var versionRequested bool     //打印版本

func init() {
	def := config.Default()
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML configuration file, flags override its values")
	flags.StringVarP(&interfaceName, "interface", "i", "", "Network interface to scan on, defaults to the first ready interface")
	flags.StringSliceVarP(&networks, "network", "n", nil, "Networks to scan (CIDR, IP or a-b range), defaults to the interface network")
	flags.StringSliceVarP(&excludes, "exclude", "x", nil, "Addresses or networks to skip")
	flags.DurationVarP(&timeout, "timeout", "t", def.Timeout.Duration, "Time to wait for a reply before retrying a target")
	flags.DurationVarP(&scanTimeout, "scan-timeout", "T", def.ScanTimeout.Duration, "Upper bound for the whole scan")
	flags.IntVarP(&retry, "retry", "r", def.Retry, "Retries for targets that did not answer")
	flags.DurationVarP(&interval, "interval", "I", def.Interval.Duration, "Minimum delay between two ARP requests")
	flags.DurationVarP(&grace, "grace", "g", def.GracePeriod.Duration, "Time to wait for late replies once every request is sent")
	flags.StringVarP(&sourceIP, "source-ip", "S", "", "Force the ARP source IPv4")
	flags.StringVarP(&sourceMAC, "source-mac", "M", "", "Force the ARP source MAC")
	flags.StringVarP(&destinationMAC, "destination-mac", "D", "", "Force the Ethernet destination MAC (default broadcast)")
	flags.BoolVarP(&resolveHostname, "resolve", "N", def.Resolve, "Resolve hostnames of live hosts")
	flags.StringVarP(&ouiFile, "oui-file", "O", oui.DefaultPath, "IEEE OUI registry (CSV) used for vendor lookup")
	flags.StringVarP(&outputFormat, "output", "o", def.Output, "Output format: "+strings.Join(output.Formats, ", "))
	flags.StringVarP(&pcapOut, "pcap-out", "w", "", "Write captured frames to a pcap file")
	flags.BoolVarP(&debug, "verbose", "v", false, "Enable verbose logging")
	flags.StringVarP(&logFormat, "log-format", "", def.LogFormat, "Log format: text or json")
	flags.BoolVarP(&listInterfaces, "list", "l", false, "List network interfaces and exit")
	flags.BoolVarP(&noProgress, "no-progress", "", false, "Do not show the progress bar")
	flags.BoolVarP(&versionRequested, "version", "", false, "Output version information and exit")
}

var rootCmd = &cobra.Command{
	Use:   "arpscan [flags] [network...]",
	Short: "ARP scanner for the local network",
	Run: func(cmd *cobra.Command, args []string) {
		if versionRequested {
			fmt.Println("development version")
			os.Exit(0)
		}
		if err := runScan(cmd, args); err != nil {
			log.Fatal(err)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// loadConfig 先读配置文件,再用显式设置的参数覆盖
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	f := cmd.Flags()
	if f.Changed("interface") {
		cfg.Interface = interfaceName
	}
	if f.Changed("network") {
		cfg.Networks = networks
	}
	cfg.Networks = append(cfg.Networks, args...) //位置参数也是目标
	if f.Changed("exclude") {
		cfg.Exclude = excludes
	}
	if f.Changed("timeout") {
		cfg.Timeout.Duration = timeout
	}
	if f.Changed("scan-timeout") {
		cfg.ScanTimeout.Duration = scanTimeout
	}
	if f.Changed("retry") {
		cfg.Retry = retry
	}
	if f.Changed("interval") {
		cfg.Interval.Duration = interval
	}
	if f.Changed("grace") {
		cfg.GracePeriod.Duration = grace
	}
	if f.Changed("source-ip") {
		cfg.SourceIP = sourceIP
	}
	if f.Changed("source-mac") {
		cfg.SourceMAC = sourceMAC
	}
	if f.Changed("destination-mac") {
		cfg.DestinationMAC = destinationMAC
	}
	if f.Changed("resolve") {
		cfg.Resolve = resolveHostname
	}
	if f.Changed("oui-file") || cfg.OUIFile == "" {
		cfg.OUIFile = ouiFile
	}
	if f.Changed("output") {
		cfg.Output = outputFormat
	}
	if f.Changed("pcap-out") {
		cfg.PcapOut = pcapOut
	}
	if f.Changed("verbose") {
		cfg.Verbose = debug
	}
	if f.Changed("log-format") {
		cfg.LogFormat = logFormat
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	if cfg.Verbose {
		log.SetLevel(log.DebugLevel) //设置日志级别
	}
	if strings.EqualFold(cfg.LogFormat, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	}
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ifs, err := iface.List()
	if err != nil {
		return fmt.Errorf("could not list interfaces: %w", err)
	}
	if listInterfaces {
		iface.Show(os.Stdout, ifs)
		return nil
	}

	if !iface.IsRoot() { //打开网卡需要 root
		return fmt.Errorf("permission denied: ARP scans need root privileges")
	}

	selected, err := selectInterface(ifs, cfg.Interface)
	if err != nil {
		return err
	}
	cfg.Interface = selected.Name

	sessionCfg, err := cfg.Session()
	if err != nil {
		return err
	}
	if sessionCfg.SourceIP == nil {
		sessionCfg.SourceIP = selected.IPv4().IP
	}
	if sessionCfg.SourceMAC == nil {
		sessionCfg.SourceMAC = selected.MAC
	}
	if len(sessionCfg.Ranges) == 0 {
		sessionCfg.Ranges = []string{selected.Network()}
	}

	plain := strings.EqualFold(cfg.Output, output.FormatPlain)
	if plain {
		displayPrescan(selected, sessionCfg)
	}

	//设置一个主动取消的机制
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)
	go func() {
		select {
		case <-c:
			log.Info("Interrupted, finishing scan...")
			cancel()
		case <-ctx.Done():
		}
	}()

	opts := iface.DefaultOptions()
	opts.DumpPath = cfg.PcapOut
	handle, err := iface.Open(selected.Name, opts)
	if err != nil {
		return err
	}
	defer handle.Close()

	var bar *pb.ProgressBar
	showProgress := plain && !noProgress && !cfg.Verbose && isatty.IsTerminal(os.Stderr.Fd())
	if showProgress {
		sessionCfg.OnProbe = func(_ net.IP, attempt int) {
			if attempt == 1 {
				bar.Increment()
			}
		}
	}

	session, err := scan.NewSession(sessionCfg, handle)
	if err != nil {
		return err
	}
	if estimate := session.Estimate(); estimate > sessionCfg.GlobalTimeout {
		log.Warnf("Scanning %d hosts needs about %v but the scan timeout is %v", session.Targets(), estimate.Round(time.Second), sessionCfg.GlobalTimeout)
	}

	if showProgress { //只统计第一次发送,重试不计
		bar = pb.New(session.Targets())
		bar.Output = os.Stderr
		bar.ShowSpeed = false
		bar.Prefix("ARP requests ")
		bar.Start()
	}
	summary, scanErr := session.Run(ctx)
	if bar != nil {
		bar.Finish()
	}
	if summary == nil {
		return scanErr
	}

	received, dropped := handle.Stats()
	log.Debugf("%s: %d frames received by the filter, %d dropped by the kernel", handle.Name(), received, dropped)

	vendors, err := oui.Load(cfg.OUIFile)
	if err != nil {
		log.Debugf("vendor lookup disabled: %v", err)
	}
	enricher := &enrich.Enricher{Vendors: vendors}
	if cfg.Resolve {
		enricher.Resolver = net.DefaultResolver
	}
	//被中断后仍然输出已有的结果,解析主机名不再受中断影响
	results := enricher.Enrich(context.Background(), summary)
	if log.IsLevelEnabled(log.DebugLevel) {
		for _, r := range results {
			log.Debug(r)
		}
	}
	enricher.Mismatches(results)

	report := output.NewReport(summary, results)
	if err := output.Write(os.Stdout, report, output.Options{Format: cfg.Output, ResolveHostname: cfg.Resolve}); err != nil {
		return err
	}
	return scanErr
}

// selectInterface 名字为空时使用默认网卡
func selectInterface(ifs []iface.Interface, name string) (iface.Interface, error) {
	if name == "" {
		selected, ok := iface.SelectDefault(ifs)
		if !ok {
			return iface.Interface{}, &scan.ConfigError{Field: "interface", Err: fmt.Errorf("no interface is ready for ARP scans, use --list")}
		}
		return selected, nil
	}

	selected, ok := iface.Find(ifs, name)
	if !ok {
		return iface.Interface{}, &scan.ConfigError{Field: "interface", Err: fmt.Errorf("%q not found, use --list", name)}
	}
	if selected.IPv4() == nil || len(selected.MAC) == 0 {
		return iface.Interface{}, &scan.ConfigError{Field: "interface", Err: fmt.Errorf("%s has no IPv4 or MAC address", name)}
	}
	return selected, nil
}

func displayPrescan(selected iface.Interface, cfg scan.Config) {
	networkList := cfg.Ranges
	more := ""
	if len(networkList) > 5 {
		more = fmt.Sprintf(" (%d more)", len(networkList)-5)
		networkList = networkList[:5]
	}

	fmt.Println()
	fmt.Printf("Selected interface %s with IP %s\n", selected.Name, selected.IPv4())
	fmt.Printf("Scanning %s%s\n", strings.Join(networkList, ", "), more)
	if sourceIP := cfg.SourceIP; sourceIP != nil && !sourceIP.Equal(selected.IPv4().IP) {
		fmt.Printf("The ARP source IPv4 will be forced to %s\n", sourceIP)
	}
	if cfg.DestinationMAC != nil {
		fmt.Printf("The ARP destination MAC will be forced to %s\n", cfg.DestinationMAC)
	}
}
