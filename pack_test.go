package main

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/orian/sheetsmith/format"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testManifest = `
sheets:
  - name: Item
    columns: [int32, string, float32]
    rows:
      2: [2, Potion, 0.5]
      1: [1, Shard, 1]
    delete: [4]
  - name: Addon
    rows:
      7: [hello]
files:
  - path: exd/readme.txt
    source: readme.txt
textures:
  - path: ui/icon.tex
    source: icon.png
`

func writeTestManifest(t *testing.T, manifest string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("hi"), 0o644))

	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	f, err := os.Create(filepath.Join(dir, "icon.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	path := filepath.Join(dir, "patch.yml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))
	return path
}

func TestPack(t *testing.T) {
	path := writeTestManifest(t, testManifest)
	m, err := loadPackManifest(path)
	require.NoError(t, err)
	recs, err := m.records(filepath.Dir(path))
	require.NoError(t, err)

	out := filepath.Join(filepath.Dir(path), "out.patch")
	res, err := writePatch(out, recs)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Records)
	assert.Len(t, res.Checksum, 64)

	st, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, st.Size(), res.Size)

	var got []format.Record
	require.NoError(t, format.ReadFile(out, func(r format.Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 7)
	assert.Equal(t, format.SheetHeader{Sheet: "Item", Columns: []format.FieldKind{format.FieldInt32, format.FieldString, format.FieldFloat32}}, got[0])
	assert.Equal(t, format.Row{Sheet: "Item", ID: 1, Fields: []format.Value{format.Int32(1), format.String("Shard"), format.Float32(1)}}, got[1])
	assert.Equal(t, uint32(2), got[2].(format.Row).ID, "rows are written in id order")
	assert.Equal(t, format.Delete{Sheet: "Item", ID: 4}, got[3])
	assert.Equal(t, format.Row{Sheet: "Addon", ID: 7, Fields: []format.Value{format.String("hello")}}, got[4])
	assert.Equal(t, format.File{Path: "exd/readme.txt", Data: []byte("hi")}, got[5])

	tex, ok := got[6].(format.Texture)
	require.True(t, ok)
	assert.Equal(t, color.NRGBA{R: 10, G: 20, B: 30, A: 255}, tex.Image().At(0, 0))
}

func TestPackRejectsBadManifests(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
	}{
		{name: "unknown kind", manifest: "sheets:\n  - name: Item\n    columns: [decimal]\n"},
		{name: "field count", manifest: "sheets:\n  - name: Item\n    columns: [int32]\n    rows:\n      1: [1, extra]\n"},
		{name: "out of range", manifest: "sheets:\n  - name: Item\n    columns: [uint8]\n    rows:\n      1: [300]\n"},
		{name: "missing source", manifest: "files:\n  - path: a\n    source: nope.bin\n"},
		{name: "nameless sheet", manifest: "sheets:\n  - columns: [int32]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTestManifest(t, tt.manifest)
			m, err := loadPackManifest(path)
			require.NoError(t, err)
			_, err = m.records(filepath.Dir(path))
			assert.Error(t, err)
		})
	}
}
