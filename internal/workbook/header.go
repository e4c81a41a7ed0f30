package workbook

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrNoHeader is returned when a file has no readable header row.
var ErrNoHeader = errors.New("file has no header row")

// Header reads the column names of a local ledger file. Spreadsheets use the
// first sheet; delimited text sniffs ; , tab or | from the first line.
func Header(path string) ([]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return xlsxHeader(path)
	case ".xls":
		return nil, fmt.Errorf("%s: legacy .xls headers cannot be read locally", filepath.Base(path))
	default:
		fh, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer fh.Close()
		return TextHeader(fh)
	}
}

func xlsxHeader(path string) ([]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrNoHeader
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		cols, err := rows.Columns()
		if err != nil {
			return nil, err
		}
		if h := clean(cols); len(h) > 0 {
			return h, nil
		}
	}
	return nil, ErrNoHeader
}

// TextHeader reads the first non-empty line of delimited text.
func TextHeader(r io.Reader) ([]string, error) {
	br := bufio.NewReader(r)
	var line []byte
	for {
		l, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(l)) > 0 {
			line = l
			break
		}
		if err != nil {
			return nil, ErrNoHeader
		}
	}
	line = bytes.TrimPrefix(line, []byte("\xef\xbb\xbf"))
	cr := csv.NewReader(bytes.NewReader(line))
	cr.Comma = sniffDelimiter(string(line))
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	rec, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	h := clean(rec)
	if len(h) == 0 {
		return nil, ErrNoHeader
	}
	return h, nil
}

func sniffDelimiter(line string) rune {
	best, bestN := ',', 0
	for _, d := range []rune{';', '\t', '|', ','} {
		if n := strings.Count(line, string(d)); n > bestN {
			best, bestN = d, n
		}
	}
	return best
}

func clean(cols []string) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
