package pipeline

import (
	"errors"
	"image"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"gocv.io/x/gocv"

	iface "RicePestDetect/interface"
	"RicePestDetect/recommend"
	"RicePestDetect/source"
)

type fakeSource struct {
	mu       sync.Mutex
	frames   int
	decodeAt map[int]bool
	served   int
	closed   bool
}

func (f *fakeSource) Next(dst *gocv.Mat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.served++
	if f.decodeAt[f.served] {
		return source.ErrDecode
	}
	if f.served > f.frames {
		return io.EOF
	}
	m := gocv.NewMatWithSize(24, 32, gocv.MatTypeCV8UC3)
	defer m.Close()
	m.CopyTo(dst)
	return nil
}

func (f *fakeSource) Describe() source.Descriptor {
	return source.Descriptor{Kind: source.KindVideo, Path: "fake"}
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeBackend struct {
	mu        sync.Mutex
	dets      []iface.Detection
	failAfter int // 第 n 次调用起返回错误, 0 表示从不
	calls     int
}

func (b *fakeBackend) LoadModel(string, iface.NamesConf, float32, float32, bool) error {
	return nil
}

func (b *fakeBackend) Detect(img gocv.Mat, conf float32) ([]iface.Detection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.failAfter > 0 && b.calls >= b.failAfter {
		return nil, errors.New("inference blew up")
	}
	return append([]iface.Detection(nil), b.dets...), nil
}

func (b *fakeBackend) Annotate(*gocv.Mat, []iface.Detection) {}

func (b *fakeBackend) Names() []string { return []string{"rice-bug"} }

func (b *fakeBackend) CheckConfig() iface.EngineConfig { return iface.EngineConfig{} }

func (b *fakeBackend) Destroy() error { return nil }

// fixedSince 让每帧的处理耗时固定, 方便断言 fps
type fixedSince struct {
	clock.Clock
	d time.Duration
}

func (f fixedSince) Since(time.Time) time.Duration { return f.d }

func singleDet() []iface.Detection {
	return []iface.Detection{{Label: "rice-bug", Confidence: 0.9, Box: image.Rect(2, 2, 10, 10)}}
}

func collectUntilFinal(t *testing.T, p *Pipeline, timeout time.Duration) []Snapshot {
	t.Helper()
	var got []Snapshot
	deadline := time.After(timeout)
	for {
		select {
		case snap := <-p.Snapshots():
			got = append(got, snap)
			if snap.Final {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for final snapshot, got %d so far", len(got))
		}
	}
}

func waitState(t *testing.T, p *Pipeline, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state %s never reached, still %s", StateName(want), StateName(p.State()))
}

func TestRunToCompletion(t *testing.T) {
	backend := &fakeBackend{dets: singleDet()}
	p := New(Options{
		Backend: backend,
		Conf:    0.3,
		Clock:   fixedSince{clock.New(), 100 * time.Millisecond},
	})
	src := &fakeSource{frames: 3}
	assert.NoError(t, p.startWith(src))

	snaps := collectUntilFinal(t, p, 5*time.Second)
	assert.Equal(t, Finished, p.State())
	assert.True(t, src.isClosed())

	// 3 帧快照加 1 条结束消息
	if assert.Len(t, snaps, 4) {
		for i, snap := range snaps[:3] {
			assert.Equal(t, uint64(i+1), snap.Seq)
			assert.NotEmpty(t, snap.Frame)
			assert.Equal(t, 1, snap.Stats.TotalObjects)
			assert.Equal(t, 1, snap.Stats.ClassDistribution["rice-bug"])
			assert.InDelta(t, 10.0, snap.Stats.FPS, 0.0001)
			assert.Empty(t, snap.Err)
		}
		fin := snaps[3]
		assert.True(t, fin.Final)
		assert.Empty(t, fin.Err)
	}

	last := p.LastDetections()
	if assert.Len(t, last, 1) {
		assert.Equal(t, "rice-bug", last[0].Label)
	}
	assert.NoError(t, p.RunError())
}

func TestAlreadyRunning(t *testing.T) {
	backend := &fakeBackend{dets: singleDet()}
	p := New(Options{Backend: backend})
	src := &fakeSource{frames: 1 << 30}
	assert.NoError(t, p.startWith(src))

	err := p.startWith(&fakeSource{frames: 1})
	assert.True(t, errors.Is(err, ErrAlreadyRunning))

	p.Stop()
	assert.Equal(t, Stopped, p.State())
	assert.True(t, src.isClosed())

	// 停止后可以再次启动
	again := &fakeSource{frames: 1}
	assert.NoError(t, p.startWith(again))
	waitState(t, p, Finished, 5*time.Second)
}

func TestStopWhenIdle(t *testing.T) {
	p := New(Options{Backend: &fakeBackend{}})
	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop on idle pipeline blocked")
	}
	assert.Equal(t, Idle, p.State())
}

func TestStopIsIdempotent(t *testing.T) {
	p := New(Options{Backend: &fakeBackend{dets: singleDet()}})
	src := &fakeSource{frames: 1 << 30}
	assert.NoError(t, p.startWith(src))

	p.Stop()
	p.Stop()
	assert.Equal(t, Stopped, p.State())
}

func TestDecodeErrorSkipsFrame(t *testing.T) {
	backend := &fakeBackend{dets: singleDet()}
	p := New(Options{Backend: backend})
	src := &fakeSource{frames: 3, decodeAt: map[int]bool{2: true}}
	assert.NoError(t, p.startWith(src))

	snaps := collectUntilFinal(t, p, 5*time.Second)
	assert.Equal(t, Finished, p.State())

	var errSnaps, frameSnaps int
	for _, snap := range snaps {
		if snap.Final {
			continue
		}
		if snap.Err != "" {
			errSnaps++
			assert.Empty(t, snap.Frame)
		} else {
			frameSnaps++
		}
	}
	assert.Equal(t, 1, errSnaps)
	// 第 2 帧坏掉, 第 4 次读取是 EOF, 所以成功帧是 2 帧
	assert.Equal(t, 2, frameSnaps)
	assert.NoError(t, p.RunError())
}

func TestInferenceErrorAbortsRun(t *testing.T) {
	backend := &fakeBackend{dets: singleDet(), failAfter: 2}
	p := New(Options{Backend: backend})
	src := &fakeSource{frames: 10}
	assert.NoError(t, p.startWith(src))

	snaps := collectUntilFinal(t, p, 5*time.Second)
	assert.Equal(t, Stopped, p.State())
	assert.Error(t, p.RunError())
	assert.True(t, src.isClosed())

	fin := snaps[len(snaps)-1]
	assert.True(t, fin.Final)
	assert.Contains(t, fin.Err, "inference blew up")
}

func TestPublishDropsOldest(t *testing.T) {
	backend := &fakeBackend{dets: singleDet()}
	p := New(Options{Backend: backend, QueueSize: 2})
	src := &fakeSource{frames: 10}
	assert.NoError(t, p.startWith(src))

	// 不消费, 让队列满员后再看剩下什么
	waitState(t, p, Finished, 5*time.Second)

	var drained []Snapshot
	deadline := time.After(2 * time.Second)
	for len(drained) == 0 || !drained[len(drained)-1].Final {
		select {
		case snap := <-p.Snapshots():
			drained = append(drained, snap)
		case <-deadline:
			t.Fatalf("final snapshot never drained, got %d", len(drained))
		}
	}
	// 队列容量 2: 只剩最后一帧和结束消息, 旧帧全部被丢弃
	if assert.Len(t, drained, 2) {
		assert.Equal(t, uint64(10), drained[0].Seq)
		assert.True(t, drained[1].Final)
	}
}

func TestDetectImage(t *testing.T) {
	t.Run("Test Success", func(t *testing.T) {
		backend := &fakeBackend{dets: singleDet()}
		p := New(Options{Backend: backend})
		img := gocv.NewMatWithSize(48, 48, gocv.MatTypeCV8UC3)
		defer img.Close()

		dets, st, err := p.DetectImage(img)
		assert.NoError(t, err)
		assert.Len(t, dets, 1)
		assert.Equal(t, 1, st.TotalObjects)
		// 单图检测不经过状态机
		assert.Equal(t, Idle, p.State())
	})

	t.Run("Test Inference Error", func(t *testing.T) {
		backend := &fakeBackend{failAfter: 1}
		p := New(Options{Backend: backend})
		img := gocv.NewMatWithSize(48, 48, gocv.MatTypeCV8UC3)
		defer img.Close()

		_, _, err := p.DetectImage(img)
		assert.Error(t, err)
		assert.Equal(t, Idle, p.State())
	})
}

// 单图路径全链路: 图片源取一帧 -> 检测 -> 统计 -> 推荐
func TestSingleImageFlow(t *testing.T) {
	backend := &fakeBackend{dets: []iface.Detection{
		{Label: "leaf-folder", Confidence: 0.9, Box: image.Rect(0, 0, 8, 8)},
		{Label: "leaf-folder", Confidence: 0.8, Box: image.Rect(10, 10, 18, 18)},
		{Label: "stem-borer", Confidence: 0.7, Box: image.Rect(20, 20, 28, 28)},
	}}
	p := New(Options{Backend: backend})

	path := filepath.Join(t.TempDir(), "field.png")
	img := gocv.NewMatWithSize(32, 32, gocv.MatTypeCV8UC3)
	defer img.Close()
	if ok := gocv.IMWrite(path, img); !ok {
		t.Fatalf("write test image: %s", path)
	}
	src, err := source.Open(source.Descriptor{Kind: source.KindImage, Path: path})
	if err != nil {
		t.Fatalf("open image source: %v", err)
	}
	defer src.Close()

	frame := gocv.NewMat()
	defer frame.Close()
	assert.NoError(t, src.Next(&frame))

	dets, st, err := p.DetectImage(frame)
	assert.NoError(t, err)
	assert.Equal(t, 3, st.TotalObjects)
	assert.Equal(t, 2, st.ClassDistribution["leaf-folder"])
	assert.Equal(t, 1, st.ClassDistribution["stem-borer"])
	assert.Equal(t, 0.0, st.FPS)
	assert.Equal(t, Idle, p.State())

	rep := recommend.New(recommend.Default()).BuildReport(dets, "1.5")
	if assert.Len(t, rep.Lines, 2) {
		assert.Equal(t, "leaf-folder", rep.Lines[0].Label)
		assert.Equal(t, 2, rep.Lines[0].Count)
		assert.InDelta(t, 60.0, rep.Lines[0].TotalDosage, 0.0001)
		assert.Equal(t, "stem-borer", rep.Lines[1].Label)
		assert.InDelta(t, 90.0, rep.Lines[1].TotalDosage, 0.0001)
	}
}

func TestSeqMonotonicAcrossRuns(t *testing.T) {
	backend := &fakeBackend{dets: singleDet()}
	p := New(Options{Backend: backend})

	assert.NoError(t, p.startWith(&fakeSource{frames: 2}))
	first := collectUntilFinal(t, p, 5*time.Second)

	assert.NoError(t, p.startWith(&fakeSource{frames: 2}))
	second := collectUntilFinal(t, p, 5*time.Second)

	lastOfFirst := first[len(first)-1].Seq
	assert.Greater(t, second[0].Seq, lastOfFirst)
}
