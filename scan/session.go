package scan

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// State 会话状态: Idle -> Running -> Draining -> Complete
type State int32

const (
	Idle State = iota
	Running
	Draining
	Complete
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Complete:
		return "complete"
	}
	return "unknown"
}

// Config 一次扫描会话的配置,会话期间不可修改
type Config struct {
	Ranges  []string //CIDR、单个地址或者 a-b 区间
	Exclude []string

	Interface      string
	SourceIP       net.IP
	SourceMAC      net.HardwareAddr
	DestinationMAC net.HardwareAddr //为空时使用广播地址

	Timeout       time.Duration //每个目标等待应答的时间
	GlobalTimeout time.Duration //整个会话的上限
	Retries       int           //未应答时的重试次数
	Interval      time.Duration //两次发送之间的最小间隔
	GracePeriod   time.Duration //发送结束后没有新应答就结束的时间
	PollInterval  time.Duration //读取出错后的退避时间

	OnProbe func(target net.IP, attempt int)
	OnReply func(ReplyRecord)
	OnState func(State)
}

// DefaultConfig 默认的时间参数
func DefaultConfig() Config {
	return Config{
		Timeout:       500 * time.Millisecond,
		GlobalTimeout: 60 * time.Second,
		Retries:       1,
		Interval:      10 * time.Millisecond,
		GracePeriod:   time.Second,
		PollInterval:  100 * time.Millisecond,
	}
}

// targets 校验配置并展开目标,本机地址总是被排除
func (c Config) targets() (*TargetIterator, error) {
	if c.SourceIP.To4() == nil {
		return nil, &ConfigError{Field: "source ip", Err: errors.New("an IPv4 source address is required")}
	}
	if len(c.SourceMAC) != 6 {
		return nil, &ConfigError{Field: "source mac", Err: errors.New("an Ethernet source address is required")}
	}
	if c.DestinationMAC != nil && len(c.DestinationMAC) != 6 {
		return nil, &ConfigError{Field: "destination mac", Err: errors.New("must be an Ethernet address")}
	}
	if c.Timeout <= 0 {
		return nil, &ConfigError{Field: "timeout", Err: errors.New("must be positive")}
	}
	if c.GlobalTimeout <= 0 {
		return nil, &ConfigError{Field: "scan timeout", Err: errors.New("must be positive")}
	}
	if c.Retries < 0 {
		return nil, &ConfigError{Field: "retry count", Err: errors.New("must not be negative")}
	}
	if c.Interval < 0 || c.GracePeriod < 0 || c.PollInterval < 0 {
		return nil, &ConfigError{Field: "interval", Err: errors.New("durations must not be negative")}
	}

	exclude := append([]string{c.SourceIP.String()}, c.Exclude...)
	ti, err := NewTargetIterator(c.Ranges, exclude)
	if err != nil {
		return nil, &ConfigError{Field: "range", Err: err}
	}
	return ti, nil
}

// Session 协调发送者和监听者,持有唯一的截止时间和结果集
type Session struct {
	cfg         Config
	targets     *TargetIterator
	results     *ResultSet
	transmitter *Transmitter
	listener    *Listener

	mu      sync.Mutex
	state   State
	summary *Summary
}

// NewSession 配置错误时返回 *ConfigError,此时没有发送任何流量
func NewSession(cfg Config, handle Handle) (*Session, error) {
	if handle == nil {
		return nil, &ConfigError{Field: "interface", Err: errors.New("no interface handle")}
	}
	targets, err := cfg.targets()
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}

	results := NewResultSet()
	return &Session{
		cfg:         cfg,
		targets:     targets,
		results:     results,
		transmitter: NewTransmitter(cfg, handle, targets, results),
		listener:    NewListener(cfg, handle, targets, results),
		state:       Idle,
	}, nil
}

// Run 执行一次完整的扫描。ctx 被取消时会话提前结束,返回已收集到的部分结果和 nil
// 只有网卡写入失败才会返回错误,此时同样返回部分结果
func (s *Session) Run(ctx context.Context) (*Summary, error) {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	s.state = Running
	s.mu.Unlock()
	s.notify(Running)

	start := time.Now()
	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.GlobalTimeout)
	defer cancel()

	//监听者只由协调者停止
	listenCtx, stopListener := context.WithCancel(context.Background())
	defer stopListener()

	replies := make(chan struct{}, 1)
	listenDone := make(chan struct{})
	go func() {
		defer close(listenDone)
		s.listener.run(listenCtx, replies)
	}()

	log.Infof("Scanning %d hosts of %s on %s", s.targets.Size(), strings.Join(s.targets.Ranges(), ", "), s.cfg.Interface)
	sendDone := make(chan error, 1)
	go func() {
		sendDone <- s.transmitter.run(scanCtx)
	}()

	err := <-sendDone
	if err == nil && scanCtx.Err() == nil {
		s.setState(Draining)
		s.drain(scanCtx, replies)
	}

	stopListener()
	<-listenDone

	summary := &Summary{
		Results:     s.results.Snapshot(),
		Probes:      s.transmitter.Probes(),
		ProbeCount:  s.transmitter.Sent(),
		PacketCount: s.listener.PacketCount(),
		ARPCount:    s.listener.ARPCount(),
		Duplicates:  s.results.Duplicates(),
		Elapsed:     time.Since(start),
		Interrupted: errors.Is(ctx.Err(), context.Canceled), //调用者自己的截止时间不算中断
	}
	s.mu.Lock()
	s.summary = summary
	s.mu.Unlock()
	s.setState(Complete)

	if err != nil {
		return summary, err
	}
	if summary.Interrupted {
		log.Infof("Scan interrupted after %v, %d hosts found so far", summary.Elapsed, len(summary.Results))
	} else if errors.Is(scanCtx.Err(), context.DeadlineExceeded) {
		log.Infof("Scan timeout of %v reached", s.cfg.GlobalTimeout)
	}
	return summary, nil
}

// drain 发送已经结束,等到宽限期内没有新的应答或者截止时间到达
func (s *Session) drain(ctx context.Context, replies <-chan struct{}) {
	if s.results.Len() >= s.targets.Size() {
		return
	}

	timer := time.NewTimer(s.cfg.GracePeriod)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-replies:
			if s.results.Len() >= s.targets.Size() {
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.cfg.GracePeriod)
		}
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.notify(state)
}

func (s *Session) notify(state State) {
	log.Debugf("scan session %s", state)
	if s.cfg.OnState != nil {
		s.cfg.OnState(state)
	}
}

// State 当前状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot 只能在 Complete 之后调用,多次调用返回相同的内容
func (s *Session) Snapshot() ([]ReplyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Complete {
		return nil, ErrNotComplete
	}
	out := make([]ReplyRecord, len(s.summary.Results))
	copy(out, s.summary.Results)
	return out, nil
}

// Summary 会话结束后的结果,之前返回 nil
func (s *Session) Summary() *Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// Targets 目标数量
func (s *Session) Targets() int {
	return s.targets.Size()
}

// Estimate 大致的扫描时间: 所有发送加上每轮等待应答以及最后的宽限期
func (s *Session) Estimate() time.Duration {
	rounds := time.Duration(s.cfg.Retries + 1)
	n := time.Duration(s.targets.Size())
	return n*s.cfg.Interval + rounds*s.cfg.Timeout + s.cfg.GracePeriod
}
