package img

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	imageMagic = 0x803
	labelMagic = 0x801
)

// Checksums of the published compressed idx files.
var mnistSHA256 = map[string]string{
	"train-images-idx3-ubyte.gz": "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609",
	"train-labels-idx1-ubyte.gz": "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c",
	"t10k-images-idx3-ubyte.gz":  "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6",
	"t10k-labels-idx1-ubyte.gz":  "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6",
}

type labelHeader struct{ Magic, Num uint32 }

type imageHeader struct{ Magic, Num, Height, Width uint32 }

// LoadMNIST reads the train or t10k image and label files from dir. Each file may be stored
// uncompressed or gzipped with a .gz suffix, compressed files with a known name are checked against
// their published sha256 hash. Pixels are scaled from 0-255 to the range -1 to 1.
func LoadMNIST(dir, set string) (*Data, error) {
	if set != "train" && set != "t10k" {
		return nil, errors.Errorf("mnist: unknown set %q", set)
	}
	labels, err := readLabels(dir, set+"-labels-idx1-ubyte")
	if err != nil {
		return nil, err
	}
	h, w, pix, err := readImages(dir, set+"-images-idx3-ubyte")
	if err != nil {
		return nil, err
	}
	if len(pix) != len(labels)*h*w {
		return nil, errors.Errorf("mnist: %d labels for %d images", len(labels), len(pix)/(h*w))
	}
	d := NewData(10, h, w, labels, pix)
	d.Stats()
	return d, nil
}

func readImages(dir, name string) (h, w int, pix []float32, err error) {
	r, err := openIdx(dir, name)
	if err != nil {
		return
	}
	var head imageHeader
	if err = binary.Read(r, binary.BigEndian, &head); err != nil {
		return 0, 0, nil, errors.Wrapf(err, "mnist: read %s header", name)
	}
	if head.Magic != imageMagic {
		return 0, 0, nil, errors.Errorf("mnist: bad magic number %#x in %s", head.Magic, name)
	}
	n, h, w := int(head.Num), int(head.Height), int(head.Width)
	if size := int64(head.Num) * int64(head.Height) * int64(head.Width); size > int64(r.Len()) {
		return 0, 0, nil, errors.Errorf("mnist: header of %s needs %d bytes, file has %d", name, size, r.Len())
	}
	slog.Info("read mnist images", "file", name, "images", n, "height", h, "width", w)
	raw := make([]byte, n*h*w)
	if _, err = io.ReadFull(r, raw); err != nil {
		return 0, 0, nil, errors.Wrapf(err, "mnist: read %s", name)
	}
	pix = make([]float32, len(raw))
	for i, v := range raw {
		pix[i] = (float32(v)/255 - 0.5) / 0.5
	}
	return h, w, pix, nil
}

func readLabels(dir, name string) ([]int32, error) {
	r, err := openIdx(dir, name)
	if err != nil {
		return nil, err
	}
	var head labelHeader
	if err = binary.Read(r, binary.BigEndian, &head); err != nil {
		return nil, errors.Wrapf(err, "mnist: read %s header", name)
	}
	if head.Magic != labelMagic {
		return nil, errors.Errorf("mnist: bad magic number %#x in %s", head.Magic, name)
	}
	if int64(head.Num) > int64(r.Len()) {
		return nil, errors.Errorf("mnist: header of %s needs %d bytes, file has %d", name, head.Num, r.Len())
	}
	raw := make([]byte, head.Num)
	if _, err = io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrapf(err, "mnist: read %s", name)
	}
	labels := make([]int32, len(raw))
	for i, v := range raw {
		if v > 9 {
			return nil, errors.Errorf("mnist: invalid label %d at %d in %s", v, i, name)
		}
		labels[i] = int32(v)
	}
	slog.Info("read mnist labels", "file", name, "labels", len(labels))
	return labels, nil
}

// returns a reader for the uncompressed file contents
func openIdx(dir, name string) (*bytes.Reader, error) {
	path := filepath.Join(dir, name)
	if b, err := os.ReadFile(path); err == nil {
		return bytes.NewReader(b), nil
	}
	b, err := os.ReadFile(path + ".gz")
	if err != nil {
		return nil, errors.Wrapf(err, "mnist: %s not found in %s", name, dir)
	}
	if want, ok := mnistSHA256[name+".gz"]; ok {
		sum := sha256.Sum256(b)
		if got := hex.EncodeToString(sum[:]); got != want {
			return nil, errors.Errorf("mnist: checksum mismatch for %s.gz: got %s", name, got)
		}
	}
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, errors.Wrapf(err, "mnist: decompress %s.gz", name)
	}
	defer zr.Close()
	if b, err = io.ReadAll(zr); err != nil {
		return nil, errors.Wrapf(err, "mnist: decompress %s.gz", name)
	}
	return bytes.NewReader(b), nil
}
