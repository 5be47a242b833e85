package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"github.com/fxamacker/cbor/v2"
	"github.com/shimmeringbee/logwrap"
	"github.com/shimmeringbee/logwrap/impl/discard"
	"io"
	"os"
	"sync"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}

	if encMode, err = encOpts.EncMode(); err != nil {
		panic(fmt.Sprintf("failed to create diagnostics encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}

	if decMode, err = decOpts.DecMode(); err != nil {
		panic(fmt.Sprintf("failed to create diagnostics decoder mode: %v", err))
	}
}

// FileRecorder appends records to a file as a stream of CBOR items, safe for concurrent use.
// Records which fail to encode are counted, and the first failure is logged.
type FileRecorder struct {
	lock     sync.Mutex
	file     *os.File
	encoder  *cbor.Encoder
	closed   bool
	logger   logwrap.Logger
	failures int
}

func NewFileRecorder(path string) (*FileRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open diagnostics file: %w", err)
	}

	return &FileRecorder{file: f, encoder: encMode.NewEncoder(f), logger: logwrap.New(discard.Discard())}, nil
}

func (f *FileRecorder) WithLogger(l logwrap.Logger) *FileRecorder {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.logger = l
	return f
}

func (f *FileRecorder) Record(ctx context.Context, r Record) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if err := f.record(r); err != nil {
		f.failures++

		if f.failures == 1 {
			f.logger.LogError(ctx, "Failed to write diagnostic record, further failures are counted only.", logwrap.Err(err), logwrap.Datum("Kind", r.Kind), logwrap.Datum("Path", f.file.Name()))
		}
	}
}

func (f *FileRecorder) record(r Record) error {
	if f.closed {
		return nil
	}

	return f.encoder.Encode(r)
}

// Failures returns how many records could not be written.
func (f *FileRecorder) Failures() int {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.failures
}

func (f *FileRecorder) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.closed {
		return nil
	}

	f.closed = true
	return f.file.Close()
}

var _ Recorder = (*FileRecorder)(nil)

// Decode reads every record from a stream written by a FileRecorder.
func Decode(r io.Reader) ([]Record, error) {
	dec := decMode.NewDecoder(r)
	var records []Record

	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return records, fmt.Errorf("failed to decode diagnostic record %d: %w", len(records), err)
		}

		records = append(records, rec)
	}
}

func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Decode(f)
}
