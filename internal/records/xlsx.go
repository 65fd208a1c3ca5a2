package records

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"sync"

	"github.com/xuri/excelize/v2"

	"transcription-webhook-go/internal/types"
)

// XLSXStore treats a local workbook as the record store. The first row is
// the header; rows are addressed by the ID column or, failing that, by their
// 1-based sheet row number.
type XLSXStore struct {
	mu       sync.Mutex
	path     string
	sheet    string
	idColumn string
}

func NewXLSXStore(path, sheet, idColumn string) *XLSXStore {
	return &XLSXStore{path: path, sheet: sheet, idColumn: idColumn}
}

type sheetData struct {
	f      *excelize.File
	sheet  string
	header []string
	rows   [][]string
}

func (x *XLSXStore) open(kind types.ErrorKind) (*sheetData, error) {
	f, err := excelize.OpenFile(x.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &types.Error{Kind: kind, Subkind: types.SubkindNotFound, Message: "open workbook", Err: err}
		}
		return nil, types.Transient(kind, types.SubkindUnavailable, fmt.Errorf("open workbook: %w", err))
	}
	sheet := x.sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			f.Close()
			return nil, &types.Error{Kind: kind, Subkind: types.SubkindMalformed, Message: "no sheets"}
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		f.Close()
		return nil, &types.Error{Kind: kind, Subkind: types.SubkindMalformed, Message: "read rows", Err: err}
	}
	if len(rows) == 0 {
		f.Close()
		return nil, &types.Error{Kind: kind, Subkind: types.SubkindMalformed, Message: "sheet has no header row"}
	}
	return &sheetData{f: f, sheet: sheet, header: rows[0], rows: rows}, nil
}

// find returns the 1-based sheet row holding rowID.
func (x *XLSXStore) find(d *sheetData, rowID string) (int, bool) {
	if idx := headerIndex(d.header, x.idColumn); idx >= 0 {
		for i, r := range d.rows[1:] {
			if idx < len(r) && strings.TrimSpace(r[idx]) == rowID {
				return i + 2, true
			}
		}
	}
	if n, err := strconv.Atoi(rowID); err == nil && n >= 2 && n <= len(d.rows) {
		return n, true
	}
	return 0, false
}

func (x *XLSXStore) GetRow(_ context.Context, rowID string) (Row, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	d, err := x.open(types.KindResolve)
	if err != nil {
		return nil, err
	}
	defer d.f.Close()

	n, ok := x.find(d, rowID)
	if !ok {
		return nil, rowNotFound(types.KindResolve, rowID)
	}
	values := d.rows[n-1]
	row := make(Row, len(d.header))
	for i, h := range d.header {
		name := strings.TrimSpace(h)
		if name == "" {
			continue
		}
		if i < len(values) {
			row[name] = values[i]
		} else {
			row[name] = ""
		}
	}
	return row, nil
}

func (x *XLSXStore) UpdateRow(_ context.Context, rowID string, cells Row) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	d, err := x.open(types.KindWriteBack)
	if err != nil {
		return err
	}
	defer d.f.Close()

	n, ok := x.find(d, rowID)
	if !ok {
		return rowNotFound(types.KindWriteBack, rowID)
	}
	header := append([]string(nil), d.header...)
	for col, v := range cells {
		idx := headerIndex(header, col)
		if idx < 0 {
			// unknown column: append it to the header
			header = append(header, col)
			idx = len(header) - 1
			if err := x.set(d, idx, 1, col); err != nil {
				return err
			}
		}
		if err := x.set(d, idx, n, v); err != nil {
			return err
		}
	}
	if err := d.f.Save(); err != nil {
		return types.Transient(types.KindWriteBack, types.SubkindUnavailable, fmt.Errorf("save workbook: %w", err))
	}
	return nil
}

func (x *XLSXStore) set(d *sheetData, colIdx, row int, v string) error {
	cell, err := excelize.CoordinatesToCellName(colIdx+1, row)
	if err != nil {
		return types.Permanent(types.KindWriteBack, types.SubkindMalformed, err)
	}
	if err := d.f.SetCellValue(d.sheet, cell, v); err != nil {
		return types.Permanent(types.KindWriteBack, types.SubkindMalformed, err)
	}
	return nil
}

func headerIndex(header []string, name string) int {
	want := strings.ToLower(strings.TrimSpace(name))
	if want == "" {
		return -1
	}
	for i, h := range header {
		if strings.ToLower(strings.TrimSpace(h)) == want {
			return i
		}
	}
	return -1
}
