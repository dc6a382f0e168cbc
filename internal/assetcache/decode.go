package assetcache

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"math"
	"runtime"
	"slices"
	"sync"
	"time"

	xdraw "golang.org/x/image/draw"
	xwebp "golang.org/x/image/webp"

	"chatcore/internal/domain"
	"chatcore/internal/metrics"
)

const (
	DefaultEmoteHeight = 28

	decodeQueueSize = 64
	tickBudget      = 8 * time.Millisecond
	busyTickBudget  = 16 * time.Millisecond
	busyBacklog     = 16
	maxInterleaved  = 8
	gifDefaultDelay = 100 // ms, for frames that declare none
)

type disposal int

const (
	disposeNone disposal = iota
	disposeBackground
	disposePrevious
)

// frameMeta places a frame on the animation canvas.
type frameMeta struct {
	rect    image.Rectangle // destination on the canvas
	delay   int             // ms
	blend   bool
	dispose disposal
}

// encodedFrame is a frame still in its container encoding.
type encodedFrame struct {
	frameMeta
	decode func() (image.Image, error)
}

// rawFrame is a decoded but not yet composited frame.
type rawFrame struct {
	frameMeta
	img image.Image
}

type decodeJob struct {
	key            string
	data           []byte
	load           func() ([]byte, error) // reads data lazily for disk hits
	persist        bool
	expectAnimated bool

	animated bool
	canvas   image.Rectangle
	encoded  []encodedFrame
	frames   []rawFrame

	// compositing state, carried between steps
	surface *image.RGBA
	out     []image.Image
	delays  []int
}

// split indexes the frames of an animated job without decoding them.
func (job *decodeJob) split() error {
	switch sniff(job.data) {
	case formatGIF:
		anim, err := splitGIF(job.data)
		if err != nil {
			return err
		}
		job.canvas = image.Rect(0, 0, anim.width, anim.height)
		for i, f := range anim.frames {
			job.encoded = append(job.encoded, encodedFrame{
				frameMeta: frameMeta{rect: f.rect, delay: f.delay, blend: true, dispose: f.dispose},
				decode:    func() (image.Image, error) { return anim.decode(i) },
			})
		}
	case formatWebP:
		anim, err := parseAnimatedWebP(job.data)
		if err != nil {
			return err
		}
		job.canvas = image.Rect(0, 0, anim.width, anim.height)
		for _, f := range anim.frames {
			d := disposeNone
			if f.dispose {
				d = disposeBackground
			}
			job.encoded = append(job.encoded, encodedFrame{
				frameMeta: frameMeta{rect: f.rect, delay: f.delay, blend: f.blend, dispose: d},
				decode:    f.decode,
			})
		}
	default:
		return fmt.Errorf("animated %s: unsupported format: %w", job.key, domain.ErrDecode)
	}
	return nil
}

// decodeNext decodes the next pending frame and reports whether any remain.
func (job *decodeJob) decodeNext() (more bool, err error) {
	f := job.encoded[len(job.frames)]
	img, err := f.decode()
	if err != nil {
		return false, err
	}
	job.frames = append(job.frames, rawFrame{frameMeta: f.frameMeta, img: img})
	return len(job.frames) < len(job.encoded), nil
}

// stepFunc advances job by one unit of work and reports whether the job
// has left the stage.
type stepFunc func(ctx context.Context, job *decodeJob) (done bool, err error)

// pipeline turns encoded bytes into cache entries in four stages. Each
// stage is a single goroutine fed by a bounded queue that works on up to
// maxInterleaved jobs at once, one frame per job in turn.
type pipeline struct {
	height  int
	logger  *slog.Logger
	deliver func(job *decodeJob, a Asset)
	fail    func(job *decodeJob, err error)

	probeQ       chan *decodeJob
	firstQ       chan *decodeJob
	extractQ     chan *decodeJob
	materializeQ chan *decodeJob

	wg sync.WaitGroup
}

func newPipeline(height int, logger *slog.Logger, deliver func(*decodeJob, Asset), fail func(*decodeJob, error)) *pipeline {
	return &pipeline{
		height:       height,
		logger:       logger,
		deliver:      deliver,
		fail:         fail,
		probeQ:       make(chan *decodeJob, decodeQueueSize),
		firstQ:       make(chan *decodeJob, decodeQueueSize),
		extractQ:     make(chan *decodeJob, decodeQueueSize),
		materializeQ: make(chan *decodeJob, decodeQueueSize),
	}
}

func (p *pipeline) start(ctx context.Context) {
	stages := []struct {
		name string
		in   chan *decodeJob
		step stepFunc
	}{
		{"probe", p.probeQ, p.probe},
		{"first_frame", p.firstQ, p.firstFrame},
		{"extract", p.extractQ, p.extract},
		{"materialize", p.materializeQ, p.materialize},
	}
	for _, s := range stages {
		p.wg.Add(1)
		go p.interleave(ctx, s.name, s.in, s.step)
	}
}

func (p *pipeline) wait() { p.wg.Wait() }

// submit blocks until the probe stage accepts job or ctx ends.
func (p *pipeline) submit(ctx context.Context, job *decodeJob) bool {
	select {
	case p.probeQ <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

// trySubmit never blocks.
func (p *pipeline) trySubmit(job *decodeJob) bool {
	select {
	case p.probeQ <- job:
		return true
	default:
		return false
	}
}

func (p *pipeline) backlog() int {
	return len(p.probeQ) + len(p.firstQ) + len(p.extractQ) + len(p.materializeQ)
}

// budget is the length of one tick; a long backlog earns longer ticks.
func (p *pipeline) budget() time.Duration {
	if p.backlog() > busyBacklog {
		return busyTickBudget
	}
	return tickBudget
}

// interleave runs a stage. Jobs are admitted between ticks; within a tick
// every active job gets one step per round until the budget is spent, so a
// long animation never holds back a short one queued behind it.
func (p *pipeline) interleave(ctx context.Context, stage string, in chan *decodeJob, step stepFunc) {
	defer p.wg.Done()
	active := make([]*decodeJob, 0, maxInterleaved)
	for {
		if len(active) == 0 {
			select {
			case <-ctx.Done():
				return
			case job := <-in:
				active = append(active, job)
			}
		}
	admit:
		for len(active) < maxInterleaved {
			select {
			case job := <-in:
				active = append(active, job)
			default:
				break admit
			}
		}

		start := time.Now()
		budget := p.budget()
		for len(active) > 0 && time.Since(start) < budget {
			for i := 0; i < len(active); {
				job := active[i]
				done, err := p.safely(ctx, stage, job, step)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					metrics.DecodeFailures.Inc()
					p.fail(job, err)
					done = true
				}
				if done {
					active = slices.Delete(active, i, i+1)
					continue
				}
				i++
			}
		}
		metrics.ObserveSince(metrics.DecodeDuration.WithLabelValues(stage), start)

		runtime.Gosched()
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *pipeline) safely(ctx context.Context, stage string, job *decodeJob, step stepFunc) (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("decode stage panic", "stage", stage, "key", job.key, "panic", r)
			done, err = true, fmt.Errorf("%s: panic: %v: %w", stage, r, domain.ErrDecode)
		}
	}()
	return step(ctx, job)
}

func (p *pipeline) forward(ctx context.Context, next chan *decodeJob, job *decodeJob) error {
	select {
	case next <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// probe loads the bytes if needed, rejects oversized images from their
// header and classifies them as still or animated.
func (p *pipeline) probe(ctx context.Context, job *decodeJob) (bool, error) {
	if job.data == nil && job.load != nil {
		data, err := job.load()
		if err != nil {
			return true, err
		}
		job.data = data
	}
	if len(job.data) == 0 {
		return true, fmt.Errorf("empty image: %w", domain.ErrDecode)
	}
	w, h, err := imageSize(job.data)
	if err != nil {
		return true, fmt.Errorf("%s: %w", job.key, err)
	}
	if err := checkSize(w, h); err != nil {
		return true, fmt.Errorf("%s: %w", job.key, err)
	}

	job.animated = isAnimated(job.data)
	if job.expectAnimated != job.animated {
		p.logger.Debug("asset animation differs from provider hint", "key", job.key, "animated", job.animated)
	}
	return true, p.forward(ctx, p.firstQ, job)
}

// firstFrame decodes the first frame. Still images, and animations that
// turn out to hold a single frame, finish here.
func (p *pipeline) firstFrame(ctx context.Context, job *decodeJob) (bool, error) {
	var (
		img image.Image
		err error
	)
	switch {
	case job.animated:
		if err = job.split(); err != nil {
			return true, err
		}
		var more bool
		if more, err = job.decodeNext(); err == nil && more {
			return true, p.forward(ctx, p.extractQ, job)
		}
		if err == nil {
			img = job.frames[0].img
		}
	case sniff(job.data) == formatGIF:
		img, err = gif.Decode(bytes.NewReader(job.data))
	case sniff(job.data) == formatWebP:
		img, err = xwebp.Decode(bytes.NewReader(job.data))
	default:
		img, _, err = image.Decode(bytes.NewReader(job.data))
	}
	if err != nil {
		return true, fmt.Errorf("decode %s: %v: %w", job.key, err, domain.ErrDecode)
	}

	job.encoded, job.frames = nil, nil
	p.deliver(job, Asset{Image: scaleToHeight(img, p.height)})
	return true, nil
}

// extract decodes one frame per step.
func (p *pipeline) extract(ctx context.Context, job *decodeJob) (bool, error) {
	more, err := job.decodeNext()
	if err != nil {
		return true, fmt.Errorf("decode %s: %w", job.key, err)
	}
	if more {
		return false, nil
	}
	job.encoded = nil
	return true, p.forward(ctx, p.materializeQ, job)
}

// materialize composites one frame per step onto the job's canvas and
// scales the result.
func (p *pipeline) materialize(_ context.Context, job *decodeJob) (bool, error) {
	if job.surface == nil {
		job.surface = image.NewRGBA(job.canvas)
		job.out = make([]image.Image, 0, len(job.frames))
		job.delays = make([]int, 0, len(job.frames))
	}

	i := len(job.out)
	f := job.frames[i]
	var saved *image.RGBA
	if f.dispose == disposePrevious {
		saved = cloneRGBA(job.surface)
	}
	op := xdraw.Src
	if f.blend {
		op = xdraw.Over
	}
	xdraw.Draw(job.surface, f.rect, f.img, f.img.Bounds().Min, op)

	job.out = append(job.out, scaleToHeight(job.surface, p.height))
	job.delays = append(job.delays, f.delay)
	job.frames[i].img = nil

	switch f.dispose {
	case disposeBackground:
		xdraw.Draw(job.surface, f.rect, image.Transparent, image.Point{}, xdraw.Src)
	case disposePrevious:
		job.surface = saved
	}
	if len(job.out) < len(job.frames) {
		return false, nil
	}

	a := newAnimated(job.out, job.delays)
	job.frames, job.surface, job.out, job.delays = nil, nil, nil, nil
	p.deliver(job, a)
	return true, nil
}

// scaleToHeight returns a new image of the given height with the source's
// aspect ratio. The result never aliases src.
func scaleToHeight(src image.Image, height int) image.Image {
	b := src.Bounds()
	if b.Empty() || height <= 0 {
		return cloneRGBA(src)
	}
	if b.Dy() == height {
		return cloneRGBA(src)
	}
	width := max(1, int(math.Round(float64(b.Dx())*float64(height)/float64(b.Dy()))))
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, b, xdraw.Over, nil)
	return dst
}

func cloneRGBA(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), src, b.Min, xdraw.Src)
	return dst
}
