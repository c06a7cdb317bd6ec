package display

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	glbMagic      = 0x46546C67 // "glTF"
	glbHeaderLen  = 12
	chunkJSON     = 0x4E4F534A
	chunkBIN      = 0x004E4942
	chunkHeaderLn = 8
)

var (
	ErrNotGLB         = errors.New("not a binary glTF file")
	ErrUnsupportedGLB = errors.New("unsupported glTF version")
	ErrCorruptGLB     = errors.New("corrupt binary glTF file")
)

// Summary describes the structure of a loaded glTF asset.
type Summary struct {
	Version   uint32
	Generator string
	Scenes    int
	Nodes     int
	Meshes    int
	Materials int
	Images    int
	BinBytes  int
	// Preview holds the first embedded PNG image, if any.
	Preview []byte
}

type gltfDoc struct {
	Asset struct {
		Version   string `json:"version"`
		Generator string `json:"generator"`
	} `json:"asset"`
	Scenes      []json.RawMessage `json:"scenes"`
	Nodes       []json.RawMessage `json:"nodes"`
	Meshes      []json.RawMessage `json:"meshes"`
	Materials   []json.RawMessage `json:"materials"`
	BufferViews []struct {
		Buffer     int `json:"buffer"`
		ByteOffset int `json:"byteOffset"`
		ByteLength int `json:"byteLength"`
	} `json:"bufferViews"`
	Images []struct {
		MimeType   string `json:"mimeType"`
		BufferView *int   `json:"bufferView"`
	} `json:"images"`
}

// ParseGLB reads the GLB container header and JSON chunk of data.
func ParseGLB(data []byte) (*Summary, error) {
	if len(data) < glbHeaderLen {
		return nil, ErrNotGLB
	}
	if binary.LittleEndian.Uint32(data[0:4]) != glbMagic {
		return nil, ErrNotGLB
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != 2 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedGLB, version)
	}
	total := binary.LittleEndian.Uint32(data[8:12])
	if int(total) > len(data) || total < glbHeaderLen {
		return nil, fmt.Errorf("%w: declared length %d, have %d", ErrCorruptGLB, total, len(data))
	}

	var (
		doc     gltfDoc
		bin     []byte
		sawJSON bool
	)
	for off := glbHeaderLen; off+chunkHeaderLn <= int(total); {
		length := int(binary.LittleEndian.Uint32(data[off : off+4]))
		kind := binary.LittleEndian.Uint32(data[off+4 : off+8])
		start := off + chunkHeaderLn
		end := start + length
		if length < 0 || end > int(total) {
			return nil, fmt.Errorf("%w: chunk overruns file", ErrCorruptGLB)
		}

		switch kind {
		case chunkJSON:
			if err := json.Unmarshal(bytes.TrimRight(data[start:end], " \x00"), &doc); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorruptGLB, err)
			}
			sawJSON = true
		case chunkBIN:
			if bin == nil {
				bin = data[start:end]
			}
		}
		off = end
	}
	if !sawJSON {
		return nil, fmt.Errorf("%w: missing JSON chunk", ErrCorruptGLB)
	}

	s := &Summary{
		Version:   version,
		Generator: doc.Asset.Generator,
		Scenes:    len(doc.Scenes),
		Nodes:     len(doc.Nodes),
		Meshes:    len(doc.Meshes),
		Materials: len(doc.Materials),
		Images:    len(doc.Images),
		BinBytes:  len(bin),
	}
	for _, img := range doc.Images {
		if img.MimeType != "image/png" || img.BufferView == nil || *img.BufferView >= len(doc.BufferViews) {
			continue
		}
		bv := doc.BufferViews[*img.BufferView]
		if bv.Buffer != 0 || bv.ByteOffset < 0 || bv.ByteOffset+bv.ByteLength > len(bin) {
			continue
		}
		s.Preview = bin[bv.ByteOffset : bv.ByteOffset+bv.ByteLength]
		break
	}
	return s, nil
}

func (s *Summary) String() string {
	gen := s.Generator
	if gen == "" {
		gen = "unknown"
	}
	return fmt.Sprintf("glTF %d.0 by %s: %d scene(s), %d node(s), %d mesh(es), %d material(s), %d image(s), %d bytes of geometry",
		s.Version, gen, s.Scenes, s.Nodes, s.Meshes, s.Materials, s.Images, s.BinBytes)
}

// BuildGLB assembles a minimal GLB container from a JSON document and an
// optional binary chunk.
func BuildGLB(doc any, bin []byte) ([]byte, error) {
	js, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	js = pad(js, ' ')
	bin = pad(bin, 0)

	total := glbHeaderLen + chunkHeaderLn + len(js)
	if len(bin) > 0 {
		total += chunkHeaderLn + len(bin)
	}

	var buf bytes.Buffer
	buf.Grow(total)
	write := func(v uint32) { _ = binary.Write(&buf, binary.LittleEndian, v) }

	write(glbMagic)
	write(2)
	write(uint32(total))
	write(uint32(len(js)))
	write(chunkJSON)
	buf.Write(js)
	if len(bin) > 0 {
		write(uint32(len(bin)))
		write(chunkBIN)
		buf.Write(bin)
	}
	return buf.Bytes(), nil
}

func pad(b []byte, fill byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, fill)
	}
	return b
}
