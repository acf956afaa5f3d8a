// Package store reads and writes the columnar container file shared by
// source datasets and prediction outputs.
//
// A container is an Arrow IPC file with LZ4-frame compressed buffers. Each
// row is one jet and each top-level column is a block: jet-like blocks are
// struct<...> columns, track-like blocks are fixed_size_list<struct<...>>
// with one list element per track slot. Block attributes are kept in the
// field metadata of the block column.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

var (
	// ErrMissingField is returned when a requested block or column is absent.
	ErrMissingField = errors.New("missing field")
)

// Block is one named table of a container. Slots is zero for jet-like
// blocks; otherwise Record holds jets*Slots rows, jet-major.
type Block struct {
	Name   string
	Record arrow.RecordBatch
	Slots  int
	Attrs  map[string]string
}

// Jets returns the number of jets described by the block.
func (b Block) Jets() (int, error) {
	rows := int(b.Record.NumRows())
	if b.Slots == 0 {
		return rows, nil
	}
	if b.Slots < 0 || rows%b.Slots != 0 {
		return 0, fmt.Errorf("block %q: %d rows is not a multiple of %d slots", b.Name, rows, b.Slots)
	}
	return rows / b.Slots, nil
}

// Write stores blocks in a container at path. The file is first written
// next to path and then renamed over it, so readers never see a partial
// container. Every block must describe the same number of jets.
func Write(path string, mem memory.Allocator, blocks ...Block) error {
	if len(blocks) == 0 {
		return fmt.Errorf("write %s: no blocks", path)
	}

	jets := -1
	fields := make([]arrow.Field, 0, len(blocks))
	cols := make([]arrow.Array, 0, len(blocks))
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	for _, b := range blocks {
		n, err := b.Jets()
		if err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		if jets >= 0 && n != jets {
			return fmt.Errorf("write %s: block %q has %d jets, expected %d", path, b.Name, n, jets)
		}
		jets = n

		col := blockColumn(b, n)
		fields = append(fields, arrow.Field{Name: b.Name, Type: col.DataType(), Metadata: attrMetadata(b.Attrs)})
		cols = append(cols, col)
	}

	schema := arrow.NewSchema(fields, nil)
	rec := array.NewRecordBatch(schema, cols, int64(jets))
	defer rec.Release()

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w, err := ipc.NewFileWriter(tmp, ipc.WithSchema(schema), ipc.WithAllocator(mem), ipc.WithLZ4())
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to create file writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		tmp.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to close file writer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	return nil
}

// blockColumn wraps the block's columns in a struct, and the struct in a
// fixed size list for track-like blocks.
func blockColumn(b Block, jets int) arrow.Array {
	rec := b.Record
	children := make([]arrow.ArrayData, rec.NumCols())
	for i := range children {
		children[i] = rec.Column(i).Data()
	}
	stType := arrow.StructOf(rec.Schema().Fields()...)
	stData := array.NewData(stType, int(rec.NumRows()), []*memory.Buffer{nil}, children, 0, 0)
	defer stData.Release()
	if b.Slots == 0 {
		return array.NewStructData(stData)
	}

	listType := arrow.FixedSizeListOf(int32(b.Slots), stType)
	listData := array.NewData(listType, jets, []*memory.Buffer{nil}, []arrow.ArrayData{stData}, 0, 0)
	defer listData.Release()
	return array.NewFixedSizeListData(listData)
}

func attrMetadata(attrs map[string]string) arrow.Metadata {
	if len(attrs) == 0 {
		return arrow.Metadata{}
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = attrs[k]
	}
	return arrow.NewMetadata(keys, vals)
}
