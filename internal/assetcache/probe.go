package assetcache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"

	xwebp "golang.org/x/image/webp"

	"chatcore/internal/domain"
)

type imageFormat int

const (
	formatOther imageFormat = iota
	formatGIF
	formatWebP
)

func sniff(data []byte) imageFormat {
	switch {
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return formatGIF
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return formatWebP
	}
	return formatOther
}

// isAnimated reports whether data holds more than one frame without
// decoding any pixels.
func isAnimated(data []byte) bool {
	switch sniff(data) {
	case formatGIF:
		return gifFrameCount(data, 2) > 1
	case formatWebP:
		return webpAnimationFlag(data)
	}
	return false
}

// gifFrameCount walks the GIF block structure and counts image
// descriptors, stopping early once limit is reached.
func gifFrameCount(data []byte, limit int) int {
	if len(data) < 13 {
		return 0
	}
	pos := 13
	if packed := data[10]; packed&0x80 != 0 {
		pos += 3 << ((packed & 0x07) + 1)
	}

	skipSubBlocks := func() bool {
		for pos < len(data) {
			n := int(data[pos])
			pos++
			if n == 0 {
				return true
			}
			pos += n
		}
		return false
	}

	count := 0
	for pos < len(data) && count < limit {
		switch data[pos] {
		case 0x21: // extension
			pos += 2
			if !skipSubBlocks() {
				return count
			}
		case 0x2C: // image descriptor
			if pos+10 > len(data) {
				return count
			}
			packed := data[pos+9]
			pos += 10
			if packed&0x80 != 0 {
				pos += 3 << ((packed & 0x07) + 1)
			}
			pos++ // LZW minimum code size
			if !skipSubBlocks() {
				return count + 1
			}
			count++
		default: // trailer or garbage
			return count
		}
	}
	return count
}

const webpAnimationBit = 0x02

func webpAnimationFlag(data []byte) bool {
	if len(data) < 21 || string(data[12:16]) != "VP8X" {
		return false
	}
	return data[20]&webpAnimationBit != 0
}

type riffChunk struct {
	fourcc  string
	payload []byte
	raw     []byte // header and padded payload
}

// riffChunks splits a chunk sequence. Truncated input is an error.
func riffChunks(b []byte) ([]riffChunk, error) {
	var out []riffChunk
	for len(b) > 0 {
		if len(b) < 8 {
			return nil, errors.New("truncated chunk header")
		}
		size := int(binary.LittleEndian.Uint32(b[4:8]))
		end := 8 + size
		if size < 0 || end > len(b) {
			return nil, errors.New("truncated chunk")
		}
		padded := end + size&1
		if padded > len(b) {
			padded = len(b)
		}
		out = append(out, riffChunk{fourcc: string(b[0:4]), payload: b[8:end], raw: b[:padded]})
		b = b[padded:]
	}
	return out, nil
}

func uint24(b []byte) int { return int(b[0]) | int(b[1])<<8 | int(b[2])<<16 }

func putUint24(b []byte, v int) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

// webpFrame is one ANMF chunk rewritten as a standalone still WebP.
type webpFrame struct {
	rect    image.Rectangle // on the canvas
	delay   int             // ms
	blend   bool
	dispose bool // to background after display
	file    []byte
}

type webpAnimation struct {
	width, height int
	background    color.NRGBA
	frames        []webpFrame
}

// parseAnimatedWebP walks the RIFF container of an animated WebP and
// collects its frames without decoding them.
func parseAnimatedWebP(data []byte) (*webpAnimation, error) {
	if sniff(data) != formatWebP {
		return nil, fmt.Errorf("not a webp file: %w", domain.ErrDecode)
	}
	riffSize := int(binary.LittleEndian.Uint32(data[4:8]))
	body := data[12:]
	if 8+riffSize < len(data) && riffSize >= 4 {
		body = data[12 : 8+riffSize]
	}
	chunks, err := riffChunks(body)
	if err != nil {
		return nil, fmt.Errorf("webp: %v: %w", err, domain.ErrDecode)
	}

	anim := &webpAnimation{}
	for _, c := range chunks {
		switch c.fourcc {
		case "VP8X":
			if len(c.payload) < 10 {
				return nil, fmt.Errorf("webp: short VP8X: %w", domain.ErrDecode)
			}
			anim.width = uint24(c.payload[4:7]) + 1
			anim.height = uint24(c.payload[7:10]) + 1
		case "ANIM":
			if len(c.payload) >= 4 {
				// stored as BGRA
				anim.background = color.NRGBA{B: c.payload[0], G: c.payload[1], R: c.payload[2], A: c.payload[3]}
			}
		case "ANMF":
			f, err := parseANMF(c.payload)
			if err != nil {
				return nil, err
			}
			anim.frames = append(anim.frames, f)
		}
	}
	if anim.width == 0 || len(anim.frames) == 0 {
		return nil, fmt.Errorf("webp: no animation frames: %w", domain.ErrDecode)
	}
	if err := checkSize(anim.width, anim.height); err != nil {
		return nil, err
	}
	canvas := image.Rect(0, 0, anim.width, anim.height)
	for _, f := range anim.frames {
		if !f.rect.In(canvas) {
			return nil, fmt.Errorf("webp: frame %v outside canvas %v: %w", f.rect, canvas, domain.ErrDecode)
		}
	}
	return anim, nil
}

func parseANMF(p []byte) (webpFrame, error) {
	if len(p) < 16 {
		return webpFrame{}, fmt.Errorf("webp: short ANMF: %w", domain.ErrDecode)
	}
	x := uint24(p[0:3]) * 2
	y := uint24(p[3:6]) * 2
	w := uint24(p[6:9]) + 1
	h := uint24(p[9:12]) + 1
	flags := p[15]

	sub, err := riffChunks(p[16:])
	if err != nil {
		return webpFrame{}, fmt.Errorf("webp frame: %v: %w", err, domain.ErrDecode)
	}
	var (
		bitstream bytes.Buffer
		hasAlpha  bool
	)
	for _, c := range sub {
		switch c.fourcc {
		case "ALPH":
			hasAlpha = true
			bitstream.Write(c.raw)
		case "VP8 ", "VP8L":
			bitstream.Write(c.raw)
		}
	}
	if bitstream.Len() == 0 {
		return webpFrame{}, fmt.Errorf("webp frame without bitstream: %w", domain.ErrDecode)
	}
	return webpFrame{
		rect:    image.Rect(x, y, x+w, y+h),
		delay:   uint24(p[12:15]),
		blend:   flags&0x02 == 0,
		dispose: flags&0x01 != 0,
		file:    stillWebP(w, h, bitstream.Bytes(), hasAlpha),
	}, nil
}

// stillWebP wraps frame chunks in a RIFF container that a still-image
// decoder accepts. Lossy frames with a separate alpha plane need a VP8X
// header announcing it.
func stillWebP(w, h int, chunks []byte, alpha bool) []byte {
	var body bytes.Buffer
	body.WriteString("WEBP")
	if alpha {
		var vp8x [18]byte
		copy(vp8x[0:4], "VP8X")
		binary.LittleEndian.PutUint32(vp8x[4:8], 10)
		vp8x[8] = 0x10
		putUint24(vp8x[12:15], w-1)
		putUint24(vp8x[15:18], h-1)
		body.Write(vp8x[:])
	}
	body.Write(chunks)

	out := make([]byte, 8, 8+body.Len())
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(body.Len()))
	return append(out, body.Bytes()...)
}

func (f webpFrame) decode() (image.Image, error) {
	img, err := xwebp.Decode(bytes.NewReader(f.file))
	if err != nil {
		return nil, fmt.Errorf("webp frame: %v: %w", err, domain.ErrDecode)
	}
	return img, nil
}

// maxCanvasSide bounds both dimensions of anything the pipeline allocates.
const maxCanvasSide = 4096

func checkSize(w, h int) error {
	if w > maxCanvasSide || h > maxCanvasSide {
		return fmt.Errorf("image %dx%d exceeds %dpx: %w", w, h, maxCanvasSide, domain.ErrDecode)
	}
	return nil
}

// imageSize reads the declared dimensions from the header only.
func imageSize(data []byte) (w, h int, err error) {
	switch sniff(data) {
	case formatGIF:
		if len(data) < 13 {
			return 0, 0, fmt.Errorf("gif: short header: %w", domain.ErrDecode)
		}
		return int(binary.LittleEndian.Uint16(data[6:8])), int(binary.LittleEndian.Uint16(data[8:10])), nil
	case formatWebP:
		if len(data) >= 30 && string(data[12:16]) == "VP8X" {
			return uint24(data[24:27]) + 1, uint24(data[27:30]) + 1, nil
		}
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("image header: %v: %w", err, domain.ErrDecode)
	}
	return cfg.Width, cfg.Height, nil
}

// gifFrame is one image block of an animated GIF together with its
// graphic control extension, not yet decoded.
type gifFrame struct {
	rect    image.Rectangle
	delay   int // ms
	dispose disposal
	block   []byte // control extension and image data
}

type gifAnimation struct {
	width, height int
	prefix        []byte // header, screen descriptor and global palette
	frames        []gifFrame
}

// splitGIF walks the block structure of a GIF and cuts it into frames that
// decode one at a time. A damaged tail after the first complete frame ends
// the animation early.
func splitGIF(data []byte) (*gifAnimation, error) {
	if sniff(data) != formatGIF || len(data) < 13 {
		return nil, fmt.Errorf("not a gif file: %w", domain.ErrDecode)
	}
	pos := 13
	if packed := data[10]; packed&0x80 != 0 {
		pos += 3 << ((packed & 0x07) + 1)
	}
	if pos > len(data) {
		return nil, fmt.Errorf("gif: truncated palette: %w", domain.ErrDecode)
	}
	anim := &gifAnimation{
		width:  int(binary.LittleEndian.Uint16(data[6:8])),
		height: int(binary.LittleEndian.Uint16(data[8:10])),
		prefix: bytes.Clone(data[:pos]),
	}

	// skip returns the offset after the sub-block terminator at or past at,
	// or -1 when the data ends first.
	skip := func(at int) int {
		for at < len(data) {
			n := int(data[at])
			at++
			if n == 0 {
				return at
			}
			at += n
		}
		return -1
	}

	var gce []byte
	var union image.Rectangle
walk:
	for pos < len(data) {
		switch data[pos] {
		case 0x21: // extension
			if pos+2 > len(data) {
				break walk
			}
			end := skip(pos + 2)
			if end < 0 {
				break walk
			}
			if data[pos+1] == 0xF9 {
				gce = data[pos:end]
			}
			pos = end
		case 0x2C: // image descriptor
			if pos+10 > len(data) {
				break walk
			}
			x := int(binary.LittleEndian.Uint16(data[pos+1 : pos+3]))
			y := int(binary.LittleEndian.Uint16(data[pos+3 : pos+5]))
			w := int(binary.LittleEndian.Uint16(data[pos+5 : pos+7]))
			h := int(binary.LittleEndian.Uint16(data[pos+7 : pos+9]))
			end := pos + 10
			if packed := data[pos+9]; packed&0x80 != 0 {
				end += 3 << ((packed & 0x07) + 1)
			}
			end++ // LZW minimum code size
			if end > len(data) {
				break walk
			}
			if end = skip(end); end < 0 {
				break walk
			}

			f := gifFrame{rect: image.Rect(x, y, x+w, y+h), delay: gifDefaultDelay}
			if err := checkSize(f.rect.Max.X, f.rect.Max.Y); err != nil {
				return nil, err
			}
			if len(gce) >= 6 {
				if d := int(binary.LittleEndian.Uint16(gce[4:6])); d > 0 {
					f.delay = d * 10
				}
				switch (gce[3] >> 2) & 0x07 {
				case 2:
					f.dispose = disposeBackground
				case 3:
					f.dispose = disposePrevious
				}
			}
			f.block = make([]byte, 0, len(gce)+end-pos)
			f.block = append(append(f.block, gce...), data[pos:end]...)
			anim.frames = append(anim.frames, f)
			union = union.Union(f.rect)
			gce = nil
			pos = end
		default: // trailer or garbage
			break walk
		}
	}
	if len(anim.frames) == 0 {
		return nil, fmt.Errorf("gif: no complete frame: %w", domain.ErrDecode)
	}

	// Some encoders leave the logical screen at 0x0; size it to the frames.
	if anim.width == 0 || anim.height == 0 {
		anim.width, anim.height = union.Max.X, union.Max.Y
		binary.LittleEndian.PutUint16(anim.prefix[6:8], uint16(anim.width))
		binary.LittleEndian.PutUint16(anim.prefix[8:10], uint16(anim.height))
	}
	if err := checkSize(anim.width, anim.height); err != nil {
		return nil, err
	}
	return anim, nil
}

// decode decodes frame i as a standalone single-frame GIF.
func (a *gifAnimation) decode(i int) (image.Image, error) {
	f := a.frames[i]
	file := make([]byte, 0, len(a.prefix)+len(f.block)+1)
	file = append(append(append(file, a.prefix...), f.block...), 0x3B)
	img, err := gif.Decode(bytes.NewReader(file))
	if err != nil {
		return nil, fmt.Errorf("gif frame %d: %v: %w", i, err, domain.ErrDecode)
	}
	return img, nil
}
