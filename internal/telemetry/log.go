// Package telemetry writes the range test log: a header line followed by one
// comma-space separated record per accepted sample, in the order appended.
package telemetry

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpalmerr/georange/transport"
)

// Header names the log columns. Secondary rows leave out the last one.
const Header = "Time, Latitude, Longitude, Altitude, TxPower, RSSI, NodeID, Distance"

// TimeLayout is the wall clock format of the Time column (en-US, 12-hour).
const TimeLayout = "03:04:05 PM"

// notePrefix marks note lines so spreadsheet imports can skip them.
const notePrefix = "# "

// ErrClosed is returned when appending to a closed Log.
var ErrClosed = errors.New("telemetry: log closed")

// Row is one logged sample.
type Row struct {
	Time      time.Time
	Latitude  float64
	Longitude float64
	Altitude  float64
	TxPower   int
	RSSI      transport.Reading
	Node      transport.NodeID

	// Distance is written only when HasDistance is set (primary rows).
	Distance    float64
	HasDistance bool
}

// Note is an operator message about a failed or skipped exchange.
type Note struct {
	Time time.Time
	Node transport.NodeID
	Text string
}

func (n Note) String() string {
	return fmt.Sprintf("Node %d: %s", n.Node, n.Text)
}

// Log appends records to an underlying writer. Every append is flushed to
// stable storage before it returns when the writer supports Sync.
// Log is safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	notes  bool
	rows   int
	closed bool
}

// Create opens path for appending, creating it if needed, and writes the
// header. When notes is true, notes are written as lines starting with "# ".
func Create(path string, notes bool) (*Log, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open %s: %w", path, err)
	}

	l, err := New(f, notes)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	l.closer = f
	return l, nil
}

// New writes the header to w and returns a Log appending to it.
func New(w io.Writer, notes bool) (*Log, error) {
	l := &Log{w: w, notes: notes}
	if err := l.write(Header + "\n"); err != nil {
		return nil, err
	}
	return l, nil
}

// AppendFix writes one data row.
func (l *Log) AppendFix(r Row) error {
	fields := []string{
		r.Time.Format(TimeLayout),
		formatFloat(r.Latitude),
		formatFloat(r.Longitude),
		formatFloat(r.Altitude),
		strconv.Itoa(r.TxPower),
		strconv.Itoa(r.RSSI.Or(transport.RSSINotAvailable)),
		strconv.Itoa(int(r.Node)),
	}
	if r.HasDistance {
		fields = append(fields, formatFloat(r.Distance))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writeLocked(strings.Join(fields, ", ") + "\n"); err != nil {
		return err
	}
	l.rows++
	return nil
}

// AppendNote writes n as a note line if notes are enabled, and is a no-op
// otherwise.
func (l *Log) AppendNote(n Note) error {
	if !l.notes {
		return nil
	}
	return l.write(notePrefix + n.Time.Format(TimeLayout) + ", " + n.String() + "\n")
}

// Rows returns the number of data rows written.
func (l *Log) Rows() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rows
}

// Close closes the underlying file, if Log opened one.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

func (l *Log) write(s string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeLocked(s)
}

func (l *Log) writeLocked(s string) error {
	if l.closed {
		return ErrClosed
	}
	if _, err := io.WriteString(l.w, s); err != nil {
		return fmt.Errorf("telemetry: append: %w", err)
	}
	if syncer, ok := l.w.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return fmt.Errorf("telemetry: sync: %w", err)
		}
	}
	return nil
}

// formatFloat renders v with the fewest digits that read back exactly.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
