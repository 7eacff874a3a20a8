// internal/checkpoint/inspect.go
package checkpoint

import (
	"fmt"
	"os"

	"github.com/lumix-ai/warp/internal/core"
	"github.com/tidwall/gjson"
)

// TensorInfo - name and shape of one stored tensor
type TensorInfo struct {
	Name  string
	Shape []int
}

// Info summarises a checkpoint file from its header alone.
type Info struct {
	Path      string
	Format    string
	Session   int
	Variant   Variant
	Epoch     int
	Acc       float64
	Params    []TensorInfo
	NumParams int
	HasMask   bool
}

// Inspect reads only the JSON header of a checkpoint; tensor data is never decoded.
func Inspect(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer f.Close()

	raw, err := core.ReadSnapshotHeader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: %s: header is not JSON", ErrCorrupt, path)
	}
	header := gjson.ParseBytes(raw)
	params := header.Get(SectionParams)
	if !params.IsArray() {
		return nil, fmt.Errorf("%w: %s has no %q section", ErrCorrupt, path, SectionParams)
	}

	info := &Info{
		Path:    path,
		Format:  header.Get("format").String(),
		Session: int(header.Get("meta." + metaSession).Int()),
		Variant: Variant(header.Get("meta." + metaVariant).String()),
		Epoch:   int(header.Get("meta." + metaEpoch).Int()),
		Acc:     header.Get("meta." + metaAcc).Float(),
		HasMask: header.Get(SectionWarp).IsArray(),
	}
	params.ForEach(func(_, entry gjson.Result) bool {
		ti := TensorInfo{Name: entry.Get("name").String()}
		size := 1
		for _, d := range entry.Get("shape").Array() {
			ti.Shape = append(ti.Shape, int(d.Int()))
			size *= int(d.Int())
		}
		info.Params = append(info.Params, ti)
		info.NumParams += size
		return true
	})
	return info, nil
}
