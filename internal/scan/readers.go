package scan

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/segmentio/parquet-go"
)

// recordReader yields records until io.EOF. A *RowError marks a row that
// could not be parsed; reading continues after it.
type recordReader interface {
	Next() (Record, error)
	Close() error
}

// RowError reports an unparseable input row
type RowError struct {
	ID  string
	Err error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("record %s: %v", e.ID, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

func openReader(path string, format FileFormat, maxLine int) (recordReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}

	var r recordReader
	switch format {
	case FormatCSV:
		r, err = newCSVReader(file)
	case FormatJSONL:
		r = newJSONLReader(file, maxLine)
	case FormatParquet:
		r = &parquetReader{file: file, reader: parquet.NewReader(file)}
	default:
		err = fmt.Errorf("unsupported file format: %s", format)
	}
	if err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

type csvReader struct {
	file    *os.File
	reader  *csv.Reader
	idCol   int
	textCol int
	row     int
}

// newCSVReader requires a header with a text column; id is optional and
// defaults to the data row number.
func newCSVReader(file *os.File) (*csvReader, error) {
	reader := csv.NewReader(file)
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	r := &csvReader{file: file, reader: reader, idCol: -1, textCol: -1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))) {
		case "id":
			r.idCol = i
		case "text":
			r.textCol = i
		}
	}
	if r.textCol < 0 {
		return nil, fmt.Errorf("CSV header has no text column: %v", header)
	}
	return r, nil
}

func (r *csvReader) Next() (Record, error) {
	fields, err := r.reader.Read()
	if err == io.EOF {
		return Record{}, io.EOF
	}
	r.row++
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			// field count errors still carry the parsed fields
			return Record{}, &RowError{ID: r.rowID(fields), Err: err}
		}
		return Record{}, err
	}

	return Record{ID: r.rowID(fields), Text: fields[r.textCol]}, nil
}

func (r *csvReader) rowID(fields []string) string {
	if r.idCol >= 0 && r.idCol < len(fields) {
		if id := strings.TrimSpace(fields[r.idCol]); id != "" {
			return id
		}
	}
	return strconv.Itoa(r.row)
}

func (r *csvReader) Close() error {
	return r.file.Close()
}

type jsonlReader struct {
	file    *os.File
	scanner *bufio.Scanner
	line    int
}

func newJSONLReader(file *os.File, maxLine int) *jsonlReader {
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &jsonlReader{file: file, scanner: scanner}
}

func (r *jsonlReader) Next() (Record, error) {
	for r.scanner.Scan() {
		r.line++
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}

		var raw struct {
			ID   json.RawMessage `json:"id"`
			Text *string         `json:"text"`
		}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return Record{}, &RowError{ID: strconv.Itoa(r.line), Err: err}
		}
		id := jsonID(raw.ID, r.line)
		if raw.Text == nil {
			return Record{}, &RowError{ID: id, Err: errors.New("missing text")}
		}
		return Record{ID: id, Text: *raw.Text}, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Record{}, fmt.Errorf("failed to read JSON lines: %w", err)
	}
	return Record{}, io.EOF
}

func (r *jsonlReader) Close() error {
	return r.file.Close()
}

// jsonID accepts string or numeric ids
func jsonID(raw json.RawMessage, line int) string {
	if len(raw) == 0 || string(raw) == "null" {
		return strconv.Itoa(line)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

type parquetReader struct {
	file   *os.File
	reader *parquet.Reader
}

func (r *parquetReader) Next() (Record, error) {
	var rec Record
	if err := r.reader.Read(&rec); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("failed to read Parquet record: %w", err)
	}
	return rec, nil
}

func (r *parquetReader) Close() error {
	_ = r.reader.Close()
	return r.file.Close()
}
