package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"inspire-scraper/models"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func batch(region, subregion string, names ...string) models.Batch {
	b := models.Batch{RunID: "r1", Region: region, Subregion: subregion}
	for _, n := range names {
		b.Records = append(b.Records, models.ContactRecord{
			Region:            region,
			Subregion:         subregion,
			Entity:            "GHS " + subregion,
			ContactName:       n,
			Mobile:            "9847000000",
			Email:             strings.ToLower(n) + "@example.com",
			ApplicationNumber: "APP-" + n,
		})
	}
	return b
}

func TestFileName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Kerala", "Kerala"},
		{"Tamil Nadu", "Tamil_Nadu"},
		{"  Idukki ", "Idukki"},
		{"", "unnamed"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, FileName(tt.in))
		})
	}
}

func TestCSVSinkWritesDistrictFilesWithBOM(t *testing.T) {
	dir := t.TempDir()
	sink := NewCSVSink(dir, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, sink.WriteSubregion(ctx, batch("Kerala", "Idukki", "Anil", "Beena")))
	require.NoError(t, sink.WriteSubregion(ctx, batch("Kerala", "Empty")))

	data, err := os.ReadFile(filepath.Join(dir, "Kerala", "Idukki.csv"))
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, utf8BOM))

	rows, err := csv.NewReader(bytes.NewReader(data[len(utf8BOM):])).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, models.ContactHeader, rows[0])
	assert.Equal(t, []string{"Kerala", "Idukki", "GHS Idukki", "Anil", "9847000000", "anil@example.com", "APP-Anil"}, rows[1])

	assert.NoFileExists(t, filepath.Join(dir, "Kerala", "Empty.csv"))
	assert.Len(t, sink.Files()["Kerala"], 1)
}

func TestCSVSinkZipsRegionsWithSeveralFiles(t *testing.T) {
	dir := t.TempDir()
	sink := NewCSVSink(dir, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, sink.WriteSubregion(ctx, batch("Kerala", "Kollam", "Devi")))
	require.NoError(t, sink.WriteSubregion(ctx, batch("Kerala", "Idukki", "Anil")))
	require.NoError(t, sink.WriteSubregion(ctx, batch("Goa", "North Goa", "Elvis")))
	require.NoError(t, sink.Close())

	assert.NoFileExists(t, filepath.Join(dir, "Goa_Data.zip"))

	zr, err := zip.OpenReader(filepath.Join(dir, "Kerala_Data.zip"))
	require.NoError(t, err)
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"Idukki.csv", "Kollam.csv"}, names)
}

func TestXLSXSinkWritesSizedWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "contacts.xlsx")
	sink, err := NewXLSXSink(path, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	long := batch("Kerala", "Idukki", "Anil")
	long.Records[0].Entity = strings.Repeat("S", 80)
	require.NoError(t, sink.WriteSubregion(ctx, long))
	require.NoError(t, sink.WriteSubregion(ctx, batch("Goa", "North Goa", "Elvis")))
	assert.Equal(t, 2, sink.Rows())
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.Error(t, sink.WriteSubregion(ctx, long))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, models.ContactHeader, rows[0])
	assert.Equal(t, "Elvis", rows[2][3])

	width, err := f.GetColWidth(SheetName, "A")
	require.NoError(t, err)
	assert.Equal(t, float64(len("Kerala")+2), width)

	width, err = f.GetColWidth(SheetName, "C")
	require.NoError(t, err)
	assert.Equal(t, float64(maxColumnWidth), width)
}
