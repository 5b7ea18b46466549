// Package datasets streams clip batches from jsonl files for training and offline
// inference.
package datasets

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"

	"github.com/phuslu/log"

	"github.com/HengLan/SMOT/batches"
	"github.com/HengLan/SMOT/util/fileutil"
)

// BatchDataset yields one batch per jsonl line. Each line is a batches.RawBatch.
type BatchDataset struct {
	reader     *bufio.Reader
	sourceFile io.ReadCloser
	path       string
	inMemory   [][]byte
	modes      []batches.Mode
	batchN     int
	lineN      int
	filteredN  int
	verbose    bool
}

// DatasetOption configures a BatchDataset.
type DatasetOption func(*BatchDataset) error

// WithModes keeps only batches of the given modes.
func WithModes(modes ...batches.Mode) DatasetOption {
	return func(d *BatchDataset) error {
		if len(modes) == 0 {
			return errors.New("WithModes needs at least one mode")
		}
		d.modes = modes
		return nil
	}
}

func WithVerbose() DatasetOption {
	return func(d *BatchDataset) error {
		d.verbose = true
		return nil
	}
}

// NewBatchDataset opens a .jsonl dataset. Local and S3 paths are supported.
func NewBatchDataset(path string, opts ...DatasetOption) (*BatchDataset, error) {
	d := &BatchDataset{path: path}
	if err := d.apply(opts); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if err := d.open(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewInMemoryBatchDataset serves the given encoded batches.
func NewInMemoryBatchDataset(lines [][]byte, opts ...DatasetOption) (*BatchDataset, error) {
	d := &BatchDataset{inMemory: lines}
	if err := d.apply(opts); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *BatchDataset) apply(opts []DatasetOption) error {
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return err
		}
	}
	return nil
}

func (d *BatchDataset) Validate() error {
	if d.inMemory != nil {
		if len(d.inMemory) == 0 {
			return errors.New("in memory dataset is empty")
		}
		return nil
	}
	if d.path == "" {
		return errors.New("dataset path is required")
	}
	if filepath.Ext(d.path) != ".jsonl" {
		return errors.New("dataset path must be a .jsonl file")
	}
	return nil
}

func (d *BatchDataset) open() error {
	sourceReadCloser, err := fileutil.OpenFile(d.path)
	if err != nil {
		return err
	}
	d.sourceFile = sourceReadCloser
	d.reader = bufio.NewReader(sourceReadCloser)
	return nil
}

func (d *BatchDataset) nextLine() ([]byte, error) {
	if d.inMemory != nil {
		if d.lineN >= len(d.inMemory) {
			return nil, io.EOF
		}
		return d.inMemory[d.lineN], nil
	}
	return fileutil.ReadLine(d.reader)
}

// Yield returns the next batch. It returns io.EOF once the epoch is exhausted;
// call Reset to start over.
func (d *BatchDataset) Yield() (batches.Batch, error) {
	for {
		line, err := d.nextLine()
		if err != nil {
			return nil, err
		}
		d.lineN++
		if len(line) == 0 {
			continue
		}
		b, err := batches.Decode(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", d.lineN, err)
		}
		if len(d.modes) > 0 && !slices.Contains(d.modes, b.Mode()) {
			d.filteredN++
			continue
		}
		d.batchN++
		return b, nil
	}
}

// Reset rewinds the dataset to its first batch.
func (d *BatchDataset) Reset() error {
	if d.verbose {
		log.Info().Int("batches", d.batchN).Int("filtered", d.filteredN).Msg("completed epoch, resetting dataset")
	}
	d.batchN, d.lineN, d.filteredN = 0, 0, 0
	if d.inMemory != nil {
		return nil
	}
	if err := d.sourceFile.Close(); err != nil {
		return err
	}
	return d.open()
}

func (d *BatchDataset) Close() error {
	if d.sourceFile != nil {
		return d.sourceFile.Close()
	}
	return nil
}
