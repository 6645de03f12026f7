package source

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"gocv.io/x/gocv"
)

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"camera": KindCamera,
		"video":  KindVideo,
		"image":  KindImage,
	} {
		got, err := ParseKind(in)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, in, got.String())
	}
	_, err := ParseKind("stream")
	assert.Error(t, err)
}

func TestOpenUnavailable(t *testing.T) {
	t.Run("Test Missing Video", func(t *testing.T) {
		_, err := Open(Descriptor{Kind: KindVideo, Path: filepath.Join(t.TempDir(), "nope.mp4")})
		assert.True(t, errors.Is(err, ErrSourceUnavailable))
	})

	t.Run("Test Missing Image", func(t *testing.T) {
		_, err := Open(Descriptor{Kind: KindImage, Path: filepath.Join(t.TempDir(), "nope.jpg")})
		assert.True(t, errors.Is(err, ErrSourceUnavailable))
	})

	t.Run("Test Unknown Kind", func(t *testing.T) {
		_, err := Open(Descriptor{Kind: Kind(0)})
		assert.True(t, errors.Is(err, ErrSourceUnavailable))
	})
}

func TestImageSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.png")
	img := gocv.NewMatWithSize(32, 48, gocv.MatTypeCV8UC3)
	defer img.Close()
	if ok := gocv.IMWrite(path, img); !ok {
		t.Fatalf("write test image: %s", path)
	}

	src, err := Open(Descriptor{Kind: KindImage, Path: path})
	if err != nil {
		t.Fatalf("open image source: %v", err)
	}

	dst := gocv.NewMat()
	defer dst.Close()

	// 第一次 Next 产出整帧
	assert.NoError(t, src.Next(&dst))
	assert.Equal(t, 32, dst.Rows())
	assert.Equal(t, 48, dst.Cols())

	// 之后恒为流结束
	assert.Equal(t, io.EOF, src.Next(&dst))
	assert.Equal(t, io.EOF, src.Next(&dst))

	assert.NoError(t, src.Close())
	assert.NoError(t, src.Close())
}

func TestNextAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.png")
	img := gocv.NewMatWithSize(8, 8, gocv.MatTypeCV8UC3)
	defer img.Close()
	if ok := gocv.IMWrite(path, img); !ok {
		t.Fatalf("write test image: %s", path)
	}

	src, err := Open(Descriptor{Kind: KindImage, Path: path})
	if err != nil {
		t.Fatalf("open image source: %v", err)
	}
	assert.NoError(t, src.Close())

	dst := gocv.NewMat()
	defer dst.Close()
	assert.Equal(t, io.EOF, src.Next(&dst))
}

func TestDecodeImage(t *testing.T) {
	t.Run("Test Garbage Bytes", func(t *testing.T) {
		_, err := DecodeImage([]byte("definitely not an image"))
		assert.True(t, errors.Is(err, ErrDecode))
	})

	t.Run("Test Roundtrip", func(t *testing.T) {
		src := gocv.NewMatWithSize(16, 24, gocv.MatTypeCV8UC3)
		defer src.Close()
		buf, err := gocv.IMEncode(".jpg", src)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		defer buf.Close()

		img, err := DecodeImage(buf.GetBytes())
		assert.NoError(t, err)
		defer img.Close()
		assert.Equal(t, 16, img.Rows())
		assert.Equal(t, 24, img.Cols())
	})
}

func TestSaveImage(t *testing.T) {
	t.Run("Test Empty Image", func(t *testing.T) {
		empty := gocv.NewMat()
		defer empty.Close()
		err := SaveImage(filepath.Join(t.TempDir(), "out.jpg"), empty)
		assert.True(t, errors.Is(err, ErrWrite))
	})

	t.Run("Test Creates Directory", func(t *testing.T) {
		img := gocv.NewMatWithSize(8, 8, gocv.MatTypeCV8UC3)
		defer img.Close()
		path := filepath.Join(t.TempDir(), "results", "nested", "out.jpg")
		assert.NoError(t, SaveImage(path, img))
		_, err := os.Stat(path)
		assert.NoError(t, err)
	})
}
