package pipeline

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"gocv.io/x/gocv"

	iface "RicePestDetect/interface"
	"RicePestDetect/logger"
	"RicePestDetect/monitor"
	"RicePestDetect/source"
	"RicePestDetect/stats"
)

type Options struct {
	Backend   iface.Backend
	Conf      float32
	QueueSize int
	Clock     clock.Clock
}

// Pipeline 驱动 读帧 -> 推理 -> 标注 -> 统计 -> 发布 的运行循环。
// 同一实例最多一条运行循环, 快照经有界通道发布, 消费不及时丢最旧。
type Pipeline struct {
	mu       sync.Mutex
	state    int
	stopCh   chan struct{}
	stopOnce *sync.Once
	doneCh   chan struct{}

	backend iface.Backend
	conf    float32
	clk     clock.Clock
	out     chan Snapshot
	seq     uint64

	lastMu   sync.RWMutex
	lastDets []iface.Detection
	lastStat iface.FrameStats
	runErr   error
}

func New(opts Options) *Pipeline {
	qs := opts.QueueSize
	if qs <= 0 {
		qs = DefaultQueueSize
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Pipeline{
		state:   Idle,
		backend: opts.Backend,
		conf:    opts.Conf,
		clk:     clk,
		out:     make(chan Snapshot, qs),
	}
}

// Snapshots 返回快照发布通道, 通道不关闭, 跨多次运行复用
func (p *Pipeline) Snapshots() <-chan Snapshot {
	return p.out
}

func (p *Pipeline) Backend() iface.Backend {
	return p.backend
}

func (p *Pipeline) State() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s int) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Start 打开帧来源并启动运行循环。
// 已在运行时返回 ErrAlreadyRunning, 来源打开失败时状态保持不变。
func (p *Pipeline) Start(desc source.Descriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Running {
		return ErrAlreadyRunning
	}
	src, err := source.Open(desc)
	if err != nil {
		return err
	}
	p.begin(src)
	logger.S().Infow("pipeline started", "source", desc.String())
	return nil
}

// startWith 直接注入帧来源, 测试用
func (p *Pipeline) startWith(src FrameSource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Running {
		return ErrAlreadyRunning
	}
	p.begin(src)
	return nil
}

// begin 调用方需持有 p.mu
func (p *Pipeline) begin(src FrameSource) {
	p.stopCh = make(chan struct{})
	p.stopOnce = new(sync.Once)
	p.doneCh = make(chan struct{})
	p.runErr = nil
	p.state = Running
	go p.run(src)
}

// Stop 通知运行循环退出并等待其完全退出, 非运行状态下为空操作
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.state != Running {
		p.mu.Unlock()
		return
	}
	once := p.stopOnce
	stopCh := p.stopCh
	done := p.doneCh
	p.mu.Unlock()

	once.Do(func() { close(stopCh) })
	<-done
}

// nextSeq 跨运行单调递增, 新一轮运行可能与上一轮的收尾发布并发
func (p *Pipeline) nextSeq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return p.seq
}

func (p *Pipeline) run(src FrameSource) {
	defer close(p.doneCh)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("pipeline panic: %v", r)
			logger.S().Errorw("pipeline loop panic", "recover", r)
			p.saveRunErr(err)
			p.setState(Stopped)
			p.publish(Snapshot{Seq: p.nextSeq(), Err: err.Error(), Final: true})
		}
	}()
	defer src.Close()

	frame := gocv.NewMat()
	defer frame.Close()

	final := Stopped
	var finalErr error
loop:
	for {
		select {
		case <-p.stopCh:
			break loop
		default:
		}

		t0 := p.clk.Now()
		err := src.Next(&frame)
		if errors.Is(err, io.EOF) {
			final = Finished
			break loop
		}
		if err != nil {
			// 单帧解码失败: 记录后跳过, 不影响运行
			monitor.DecodeErrors.Inc()
			logger.S().Warnw("frame decode failed, skipping", "err", err)
			p.publish(Snapshot{Seq: p.nextSeq(), Err: err.Error()})
			continue
		}

		monitor.InferenceTotal.Inc()
		dets, err := p.backend.Detect(frame, p.conf)
		if err != nil {
			// 推理失败终止本次运行
			final, finalErr = Stopped, err
			break loop
		}
		p.backend.Annotate(&frame, dets)

		st := stats.Aggregate(dets)
		if elapsed := p.clk.Since(t0); elapsed > 0 {
			st.FPS = float64(time.Second) / float64(elapsed)
		}
		p.saveLast(dets, st)

		snap := Snapshot{Seq: p.nextSeq(), Stats: st}
		if buf, eerr := gocv.IMEncode(".jpg", frame); eerr == nil {
			snap.Frame = append([]byte(nil), buf.GetBytes()...)
			buf.Close()
		} else {
			logger.S().Warnw("frame encode failed", "seq", snap.Seq, "err", eerr)
		}
		monitor.FramesTotal.Inc()
		monitor.DetectionsTotal.Add(float64(len(dets)))
		p.publish(snap)
	}

	if finalErr != nil {
		p.saveRunErr(finalErr)
		logger.S().Errorw("pipeline run aborted", "err", finalErr)
	}
	p.setState(final)

	fin := Snapshot{Seq: p.nextSeq(), Stats: p.LastStats(), Final: true}
	if finalErr != nil {
		fin.Err = finalErr.Error()
	}
	p.publish(fin)
	logger.S().Infow("pipeline run ended",
		"state", StateName(final),
		"source", src.Describe().String(),
	)
}

// publish 有界发布: 队列满时丢最旧, 保证最新快照总能入队
func (p *Pipeline) publish(s Snapshot) {
	for {
		select {
		case p.out <- s:
			return
		default:
			select {
			case <-p.out:
				monitor.SnapshotsDropped.Inc()
			default:
			}
		}
	}
}

func (p *Pipeline) saveLast(dets []iface.Detection, st iface.FrameStats) {
	p.lastMu.Lock()
	p.lastDets = append(p.lastDets[:0:0], dets...)
	p.lastStat = st
	p.lastMu.Unlock()
}

func (p *Pipeline) saveRunErr(err error) {
	p.lastMu.Lock()
	p.runErr = err
	p.lastMu.Unlock()
}

// LastDetections 最近一次成功处理帧的检测结果
func (p *Pipeline) LastDetections() []iface.Detection {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	return append([]iface.Detection(nil), p.lastDets...)
}

// LastStats 最近一次成功处理帧的统计
func (p *Pipeline) LastStats() iface.FrameStats {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	return p.lastStat
}

// RunError 最近一次运行的致命错误, 正常结束时为 nil
func (p *Pipeline) RunError() error {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	return p.runErr
}

// DetectImage 单图一次性检测, 不经过运行状态机, 与流式推理共用后端串行执行
func (p *Pipeline) DetectImage(img gocv.Mat) ([]iface.Detection, iface.FrameStats, error) {
	monitor.InferenceTotal.Inc()
	dets, err := p.backend.Detect(img, p.conf)
	if err != nil {
		return nil, iface.FrameStats{}, err
	}
	monitor.DetectionsTotal.Add(float64(len(dets)))
	return dets, stats.Aggregate(dets), nil
}
