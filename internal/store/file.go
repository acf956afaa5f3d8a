package store

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-salt/internal/cache"
	"github.com/23skdu/longbow-salt/internal/records"
)

type blockInfo struct {
	index  int
	slots  int
	fields *arrow.StructType
	meta   arrow.Metadata
}

// File is an open container. Decoded columns are cached for the lifetime of
// the file.
type File struct {
	path   string
	f      *os.File
	r      *ipc.FileReader
	mem    memory.Allocator
	jets   int
	blocks map[string]blockInfo
	names  []string
	cache  cache.ColumnCache
}

// Open opens the container at path.
func Open(path string, mem memory.Allocator) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	r, err := ipc.NewFileReader(f, ipc.WithAllocator(mem))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	file := &File{
		path:   path,
		f:      f,
		r:      r,
		mem:    mem,
		blocks: make(map[string]blockInfo),
		cache:  cache.NewMapCache(),
	}
	for i, field := range r.Schema().Fields() {
		info := blockInfo{index: i, meta: field.Metadata}
		switch dt := field.Type.(type) {
		case *arrow.StructType:
			info.fields = dt
		case *arrow.FixedSizeListType:
			st, ok := dt.Elem().(*arrow.StructType)
			if !ok {
				continue
			}
			info.fields = st
			info.slots = int(dt.Len())
		default:
			continue
		}
		file.blocks[field.Name] = info
		file.names = append(file.names, field.Name)
	}

	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.RecordAt(i)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to read record %d of %s: %w", i, path, err)
		}
		file.jets += int(rec.NumRows())
		rec.Release()
	}
	return file, nil
}

// Path returns the path the file was opened from.
func (f *File) Path() string { return f.path }

// Len returns the number of jets in the container.
func (f *File) Len() int { return f.jets }

// Blocks returns the block names in file order.
func (f *File) Blocks() []string { return f.names }

func (f *File) block(name string) (blockInfo, error) {
	info, ok := f.blocks[name]
	if !ok {
		return blockInfo{}, fmt.Errorf("block %q in %s: %w", name, f.path, ErrMissingField)
	}
	return info, nil
}

// Slots returns the number of track slots per jet of a block, zero for
// jet-like blocks.
func (f *File) Slots(block string) (int, error) {
	info, err := f.block(block)
	if err != nil {
		return 0, err
	}
	return info.slots, nil
}

// Columns returns the column names of a block.
func (f *File) Columns(block string) ([]string, error) {
	info, err := f.block(block)
	if err != nil {
		return nil, err
	}
	names := make([]string, info.fields.NumFields())
	for i, fd := range info.fields.Fields() {
		names[i] = fd.Name
	}
	return names, nil
}

// Missing returns the subset of names that the block does not contain.
func (f *File) Missing(block string, names []string) ([]string, error) {
	info, err := f.block(block)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, n := range names {
		if _, ok := info.fields.FieldIdx(n); !ok {
			missing = append(missing, n)
		}
	}
	return missing, nil
}

// Attr returns a block attribute.
func (f *File) Attr(block, key string) (string, bool) {
	info, ok := f.blocks[block]
	if !ok {
		return "", false
	}
	i := info.meta.FindKey(key)
	if i < 0 {
		return "", false
	}
	return info.meta.Values()[i], true
}

// Fields returns the named columns of a block for the first jets jets. Rows
// of a track-like block are jet-major, Slots rows per jet.
func (f *File) Fields(block string, names []string, jets int) (arrow.RecordBatch, error) {
	info, err := f.block(block)
	if err != nil {
		return nil, err
	}
	if jets < 0 || jets > f.jets {
		return nil, fmt.Errorf("read %s: %d jets requested, file holds %d", block, jets, f.jets)
	}
	rows := int64(jets)
	if info.slots > 0 {
		rows *= int64(info.slots)
	}

	if len(names) == 0 {
		return records.Empty(rows), nil
	}

	fields := make([]arrow.Field, len(names))
	cols := make([]arrow.Array, 0, len(names))
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	for i, name := range names {
		fi, ok := info.fields.FieldIdx(name)
		if !ok {
			return nil, fmt.Errorf("column %q of block %q in %s: %w", name, block, f.path, ErrMissingField)
		}
		fields[i] = info.fields.Field(fi)

		full, err := f.column(block, info, fi)
		if err != nil {
			return nil, err
		}
		cols = append(cols, array.NewSlice(full, 0, rows))
		full.Release()
	}

	return array.NewRecordBatch(arrow.NewSchema(fields, nil), cols, rows), nil
}

// column returns one struct child of a block across every record batch of
// the file, concatenated.
func (f *File) column(block string, info blockInfo, fi int) (arrow.Array, error) {
	key := block + "/" + info.fields.Field(fi).Name
	if arr, ok := f.cache.Get(key); ok {
		return arr, nil
	}

	chunks := make([]arrow.Array, 0, f.r.NumRecords())
	defer func() {
		for _, c := range chunks {
			c.Release()
		}
	}()
	for i := 0; i < f.r.NumRecords(); i++ {
		rec, err := f.r.RecordAt(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read record %d of %s: %w", i, f.path, err)
		}
		chunk, err := structChild(rec.Column(info.index), fi)
		rec.Release()
		if err != nil {
			return nil, fmt.Errorf("block %q in %s: %w", block, f.path, err)
		}
		chunks = append(chunks, chunk)
	}

	var arr arrow.Array
	switch len(chunks) {
	case 0:
		arr = array.MakeArrayOfNull(f.mem, info.fields.Field(fi).Type, 0)
	case 1:
		arr = chunks[0]
		arr.Retain()
	default:
		var err error
		arr, err = array.Concatenate(chunks, f.mem)
		if err != nil {
			return nil, fmt.Errorf("failed to concatenate %s: %w", key, err)
		}
	}
	f.cache.Put(key, arr)
	return arr, nil
}

func structChild(col arrow.Array, fi int) (arrow.Array, error) {
	switch arr := col.(type) {
	case *array.Struct:
		child := arr.Field(fi)
		child.Retain()
		return child, nil
	case *array.FixedSizeList:
		width := int64(arr.DataType().(*arrow.FixedSizeListType).Len())
		values := array.NewSlice(arr.ListValues(),
			int64(arr.Offset())*width, int64(arr.Offset()+arr.Len())*width)
		defer values.Release()
		st, ok := values.(*array.Struct)
		if !ok {
			return nil, fmt.Errorf("unexpected list values %s", values.DataType())
		}
		child := st.Field(fi)
		child.Retain()
		return child, nil
	}
	return nil, fmt.Errorf("unexpected block type %s", col.DataType())
}

// Close releases cached columns and closes the underlying file.
func (f *File) Close() error {
	f.cache.Release()
	if err := f.r.Close(); err != nil {
		f.f.Close()
		return err
	}
	return f.f.Close()
}
