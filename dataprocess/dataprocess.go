// Package dataprocess manages code related to saving maps and poses to disk.
package dataprocess

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const (
	// SlamTimeFormat is the timestamp format used in the dataprocess.
	SlamTimeFormat = "2006-01-02T15:04:05.0000Z"
)

// CreateTimestampFilename creates an absolute filename with a prefix and timestamp written
// into the filename.
func CreateTimestampFilename(dataDirectory, prefix, fileType string, timeStamp time.Time) string {
	return filepath.Join(dataDirectory, prefix+"_data_"+timeStamp.UTC().Format(SlamTimeFormat)+fileType)
}

// EncodePGM encodes a square row-major grayscale grid as a binary PGM image.
func EncodePGM(grid []byte, mapSizePixels int) ([]byte, error) {
	if len(grid) != mapSizePixels*mapSizePixels {
		return nil, errors.Errorf("grid has %d bytes, expected %d", len(grid), mapSizePixels*mapSizePixels)
	}
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "P5\n%d %d\n255\n", mapSizePixels, mapSizePixels)
	buf.Write(grid)
	return buf.Bytes(), nil
}

// WritePGMToFile encodes the occupancy grid and then saves it to the passed filename.
func WritePGMToFile(grid []byte, mapSizePixels int, filename string) error {
	data, err := EncodePGM(grid, mapSizePixels)
	if err != nil {
		return err
	}
	return WriteBytesToFile(data, filename)
}

// WriteJSONToFile encodes v and then saves it to the passed filename.
func WriteJSONToFile(v interface{}, filename string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteBytesToFile(data, filename)
}

// WriteBytesToFile writes the passed bytes to the passed filename.
func WriteBytesToFile(bytes []byte, filename string) (err error) {
	//nolint:gosec
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	w := bufio.NewWriter(f)
	if _, err := w.Write(bytes); err != nil {
		return err
	}
	return w.Flush()
}
