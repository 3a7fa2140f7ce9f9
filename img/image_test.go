package img

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromArray(t *testing.T) {
	m := FromArray([]float32{-1, 0, 1, 2}, 2, 2, -1, 1)
	assert.Equal(t, image.Rect(0, 0, 2, 2), m.Bounds())
	assert.Equal(t, []float32{0, 0.5, 1, 1}, m.Pix)
	assert.Equal(t, Gray{Y: 0.5}, m.At(1, 0))
	assert.Equal(t, Gray{}, m.At(5, 5))
	r, _, _, a := m.At(0, 1).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint32(0xffff), a)

	m.Set(0, 0, color.White)
	assert.InDelta(t, 1.0, m.Pix[0], 1e-6)
}

func TestHeat(t *testing.T) {
	m := Heat([]float32{0, 1, 2, 3}, 2, 2)
	assert.Equal(t, image.Rect(0, 0, 2, 2), m.Bounds())
	lo := m.RGBAAt(0, 0)
	hi := m.RGBAAt(1, 1)
	assert.Less(t, int(lo.R)+int(lo.G)+int(lo.B), int(hi.R)+int(hi.G)+int(hi.B))

	flat := Heat([]float32{2, 2, 2, 2}, 2, 2)
	assert.Equal(t, flat.RGBAAt(0, 0), flat.RGBAAt(1, 1))
}

func TestScaleGrid(t *testing.T) {
	m := FromArray([]float32{1, -1, -1, 1}, 2, 2, -1, 1)
	s := Scale(m, 3)
	assert.Equal(t, image.Rect(0, 0, 6, 6), s.Bounds())
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, s.RGBAAt(2, 2))
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, s.RGBAAt(3, 2))

	g := Grid([][]image.Image{{m, m, m}, {m, nil}}, 1, color.RGBA{255, 0, 0, 255})
	assert.Equal(t, image.Rect(0, 0, 3*3+1, 2*3+1), g.Bounds())
	assert.Equal(t, color.RGBA{255, 0, 0, 255}, g.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, g.RGBAAt(1, 1))
	assert.Equal(t, color.RGBA{255, 0, 0, 255}, g.RGBAAt(5, 5), "nil cell is background")
}

func writeIdx(t *testing.T, dir, name string, head any, body []byte, compress bool) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, head))
	buf.Write(body)
	b := buf.Bytes()
	if compress {
		var zbuf bytes.Buffer
		zw := gzip.NewWriter(&zbuf)
		_, err := zw.Write(b)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		b, name = zbuf.Bytes(), name+".gz"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), b, 0644))
}

func TestLoadMNIST(t *testing.T) {
	dir := t.TempDir()
	const n, h, w = 3, 2, 2
	pix := []byte{0, 255, 0, 255, 255, 255, 255, 255, 0, 0, 0, 0}
	writeIdx(t, dir, "train-images-idx3-ubyte", imageHeader{imageMagic, n, h, w}, pix, false)
	writeIdx(t, dir, "train-labels-idx1-ubyte", labelHeader{labelMagic, n}, []byte{7, 1, 0}, false)

	d, err := LoadMNIST(dir, "train")
	require.NoError(t, err)
	assert.Equal(t, 3, d.Len())
	assert.Equal(t, []int{1, 2, 2}, d.Shape())
	assert.Len(t, d.Classes(), 10)

	labels := make([]int32, 2)
	d.Label([]int{2, 0}, labels)
	assert.Equal(t, []int32{0, 7}, labels)

	buf := make([]float32, 4)
	d.Input([]int{0}, buf)
	assert.Equal(t, []float32{-1, 1, -1, 1}, buf)
	assert.Equal(t, Gray{Y: 1}, d.Image(1).At(1, 1))

	s := d.Slice(1, 3)
	assert.Equal(t, []int32{1, 0}, s.Labels)
	assert.Len(t, s.Pix, 8)

	_, err = LoadMNIST(dir, "t10k")
	assert.Error(t, err)
	_, err = LoadMNIST(dir, "valid")
	assert.Error(t, err)
}

func TestLoadMNISTGzip(t *testing.T) {
	dir := t.TempDir()
	writeIdx(t, dir, "t10k-labels-idx1-ubyte", labelHeader{labelMagic, 1}, []byte{3}, true)
	writeIdx(t, dir, "t10k-images-idx3-ubyte", imageHeader{imageMagic, 1, 1, 1}, []byte{0}, true)
	_, err := LoadMNIST(dir, "t10k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestLoadMNISTBadHeader(t *testing.T) {
	dir := t.TempDir()
	writeIdx(t, dir, "train-labels-idx1-ubyte", labelHeader{imageMagic, 1}, []byte{3}, false)
	_, err := LoadMNIST(dir, "train")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad magic")

	writeIdx(t, dir, "train-labels-idx1-ubyte", labelHeader{labelMagic, 1}, []byte{12}, false)
	_, err = LoadMNIST(dir, "train")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid label")

	// sizes in the header larger than the file are rejected before allocating
	writeIdx(t, dir, "train-labels-idx1-ubyte", labelHeader{labelMagic, 1 << 31}, []byte{3}, false)
	_, err = LoadMNIST(dir, "train")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs 2147483648 bytes")

	writeIdx(t, dir, "train-labels-idx1-ubyte", labelHeader{labelMagic, 1}, []byte{3}, false)
	writeIdx(t, dir, "train-images-idx3-ubyte", imageHeader{imageMagic, 1, 1 << 16, 1 << 16}, []byte{0, 0}, false)
	_, err = LoadMNIST(dir, "train")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs 4294967296 bytes")
}
