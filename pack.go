package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/orian/sheetsmith/format"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// PackManifest describes the content of one patch file.
//
//	sheets:
//	  - name: Item
//	    columns: [int32, string]
//	    rows:
//	      1: [1, Shard]
//	    delete: [4]
//	files:
//	  - path: exd/readme.txt
//	    source: readme.txt
//	textures:
//	  - path: ui/icon.tex
//	    source: icon.png
type PackManifest struct {
	Sheets   []PackSheet `yaml:"sheets"`
	Files    []PackFile  `yaml:"files"`
	Textures []PackFile  `yaml:"textures"`
}

type PackSheet struct {
	Name string `yaml:"name"`
	// Columns replaces the sheet's column kinds when set.
	Columns []string         `yaml:"columns"`
	Rows    map[uint32][]any `yaml:"rows"`
	Delete  []uint32         `yaml:"delete"`
}

// PackFile names an asset path and the local file holding its content,
// relative to the manifest.
type PackFile struct {
	Path   string `yaml:"path"`
	Source string `yaml:"source"`
}

// PackResult is what a patch list needs to reference the written patch.
type PackResult struct {
	Size     int64
	Checksum string
	Records  int
}

func loadPackManifest(path string) (*PackManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m PackManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return &m, nil
}

// records converts the manifest into patch records. Column kinds declared
// in the manifest type the row values; sheets without columns take every
// value as a string.
func (m *PackManifest) records(baseDir string) ([]format.Record, error) {
	var recs []format.Record
	for _, s := range m.Sheets {
		if s.Name == "" {
			return nil, errors.New("sheet without a name")
		}
		kinds := make([]format.FieldKind, len(s.Columns))
		for i, c := range s.Columns {
			k, err := format.ParseFieldKind(c)
			if err != nil {
				return nil, fmt.Errorf("sheet %s column %d: %w", s.Name, i, err)
			}
			kinds[i] = k
		}
		if len(kinds) > 0 {
			recs = append(recs, format.SheetHeader{Sheet: s.Name, Columns: kinds})
		}

		ids := make([]uint32, 0, len(s.Rows))
		for id := range s.Rows {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			raw := s.Rows[id]
			if len(kinds) > 0 && len(raw) != len(kinds) {
				return nil, fmt.Errorf("sheet %s row %d has %d fields, want %d", s.Name, id, len(raw), len(kinds))
			}
			fields := make([]format.Value, len(raw))
			for i, v := range raw {
				kind := format.FieldString
				if len(kinds) > 0 {
					kind = kinds[i]
				}
				f, err := format.Coerce(kind, v)
				if err != nil {
					return nil, fmt.Errorf("sheet %s row %d field %d: %w", s.Name, id, i, err)
				}
				fields[i] = f
			}
			recs = append(recs, format.Row{Sheet: s.Name, ID: id, Fields: fields})
		}
		for _, id := range s.Delete {
			recs = append(recs, format.Delete{Sheet: s.Name, ID: id})
		}
	}

	for _, f := range m.Files {
		data, err := os.ReadFile(filepath.Join(baseDir, f.Source))
		if err != nil {
			return nil, fmt.Errorf("file %s: %w", f.Path, err)
		}
		recs = append(recs, format.File{Path: f.Path, Data: data})
	}
	for _, f := range m.Textures {
		img, err := readImage(filepath.Join(baseDir, f.Source))
		if err != nil {
			return nil, fmt.Errorf("texture %s: %w", f.Path, err)
		}
		recs = append(recs, format.TextureFromImage(f.Path, img))
	}
	return recs, nil
}

func readImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

// writePatch encodes recs to out and reports its size and checksum.
func writePatch(out string, recs []format.Record) (*PackResult, error) {
	tmp := out + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	h := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(f, h)}
	w, err := format.NewWriter(cw)
	if err != nil {
		f.Close()
		return nil, err
	}
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, out); err != nil {
		return nil, err
	}
	return &PackResult{Size: cw.n, Checksum: hex.EncodeToString(h.Sum(nil)), Records: len(recs)}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *cli) packCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "pack <manifest.yml>",
		Short: "Encode a YAML manifest into a patch file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadPackManifest(args[0])
			if err != nil {
				return err
			}
			recs, err := m.records(filepath.Dir(args[0]))
			if err != nil {
				return err
			}
			if out == "" {
				out = args[0][:len(args[0])-len(filepath.Ext(args[0]))] + ".patch"
			}
			res, err := writePatch(out, recs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nsize: %d (%s)\nchecksum: %s\nrecords: %d\n",
				out, res.Size, humanize.Bytes(uint64(res.Size)), res.Checksum, res.Records)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Patch file to write (default: manifest name with .patch).")
	return cmd
}
