package IO

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ExportSplit writes encoded examples to a binary data file plus an index:
//
//   - <prefix>.bin = concatenated uint32 token ids
//   - <prefix>.idx = per example: uint64 offset (in ids), uint64 length, uint64 label
//
// On any error both files are removed, so a failed export never looks like a
// cache to CacheExists.
func ExportSplit(prefix string, exs []Example) error {
	dataPath, idxPath := prefix+".bin", prefix+".idx"
	dataF, err := os.Create(dataPath)
	if err != nil {
		return err
	}
	idxF, err := os.Create(idxPath)
	if err != nil {
		dataF.Close()
		os.Remove(dataPath)
		return err
	}
	werr := writeSplit(bufio.NewWriter(dataF), bufio.NewWriter(idxF), exs)
	if err := errors.Join(werr, dataF.Close(), idxF.Close()); err != nil {
		os.Remove(dataPath)
		os.Remove(idxPath)
		return err
	}
	return nil
}

func writeSplit(wData, wIdx *bufio.Writer, exs []Example) error {
	buf4 := make([]byte, 4)
	buf8 := make([]byte, 8)
	var cur uint64
	for _, ex := range exs {
		for _, v := range []uint64{cur, uint64(len(ex.IDs)), uint64(ex.Label)} {
			binary.LittleEndian.PutUint64(buf8, v)
			if _, err := wIdx.Write(buf8); err != nil {
				return err
			}
		}
		for _, id := range ex.IDs {
			binary.LittleEndian.PutUint32(buf4, uint32(id))
			if _, err := wData.Write(buf4); err != nil {
				return err
			}
		}
		cur += uint64(len(ex.IDs))
	}
	if err := wData.Flush(); err != nil {
		return err
	}
	return wIdx.Flush()
}

// ImportSplit reads a split written by ExportSplit.
func ImportSplit(prefix string) ([]Example, error) {
	idx, err := os.ReadFile(prefix + ".idx")
	if err != nil {
		return nil, err
	}
	if len(idx)%24 != 0 {
		return nil, fmt.Errorf("%s.idx: truncated index", prefix)
	}
	dataF, err := os.Open(prefix + ".bin")
	if err != nil {
		return nil, err
	}
	defer dataF.Close()
	r := bufio.NewReaderSize(dataF, 1<<20)

	n := len(idx) / 24
	out := make([]Example, n)
	buf4 := make([]byte, 4)
	var cur uint64
	for i := 0; i < n; i++ {
		rec := idx[i*24:]
		off := binary.LittleEndian.Uint64(rec[0:])
		length := binary.LittleEndian.Uint64(rec[8:])
		label := binary.LittleEndian.Uint64(rec[16:])
		if off != cur {
			return nil, fmt.Errorf("%s.idx: example %d at offset %d, expected %d", prefix, i, off, cur)
		}
		ids := make([]int, length)
		for j := range ids {
			if _, err := io.ReadFull(r, buf4); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					return nil, fmt.Errorf("%s.bin: truncated at example %d", prefix, i)
				}
				return nil, err
			}
			ids[j] = int(binary.LittleEndian.Uint32(buf4))
		}
		out[i] = Example{IDs: ids, Label: float64(label)}
		cur += length
	}
	return out, nil
}

// CacheExists reports whether ExportSplit output for prefix is present.
func CacheExists(prefix string) bool {
	for _, ext := range []string{".bin", ".idx"} {
		if info, err := os.Stat(prefix + ext); err != nil || !info.Mode().IsRegular() {
			return false
		}
	}
	return true
}
