package records

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"transcription-webhook-go/internal/types"
)

type CodaConfig struct {
	BaseURL    string
	APIKey     string
	DocID      string
	TableID    string
	HTTPClient *http.Client
}

// CodaStore reads and updates rows through the Coda REST API using column
// names rather than column ids.
type CodaStore struct {
	cfg    CodaConfig
	client *http.Client
}

type codaRow struct {
	ID     string                 `json:"id"`
	Values map[string]interface{} `json:"values"`
}

type codaCell struct {
	Column string `json:"column"`
	Value  string `json:"value"`
}

type codaUpdate struct {
	Row struct {
		Cells []codaCell `json:"cells"`
	} `json:"row"`
}

func NewCodaStore(cfg CodaConfig) *CodaStore {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://coda.io/apis/v1"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &CodaStore{cfg: cfg, client: client}
}

func (c *CodaStore) rowURL(rowID string) string {
	return fmt.Sprintf("%s/docs/%s/tables/%s/rows/%s",
		strings.TrimRight(c.cfg.BaseURL, "/"),
		url.PathEscape(c.cfg.DocID), url.PathEscape(c.cfg.TableID), url.PathEscape(rowID))
}

func (c *CodaStore) GetRow(ctx context.Context, rowID string) (Row, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.rowURL(rowID)+"?useColumnNames=true&valueFormat=simple", nil)
	if err != nil {
		return nil, types.Permanent(types.KindResolve, types.SubkindMalformed, err)
	}
	body, err := c.do(req, types.KindResolve)
	if err != nil {
		return nil, err
	}
	var r codaRow
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, &types.Error{Kind: types.KindResolve, Subkind: types.SubkindMalformed, Message: "decode coda row", Err: err}
	}
	row := make(Row, len(r.Values))
	for col, v := range r.Values {
		if v == nil {
			continue
		}
		row[col] = fmt.Sprint(v)
	}
	return row, nil
}

func (c *CodaStore) UpdateRow(ctx context.Context, rowID string, cells Row) error {
	var payload codaUpdate
	for col, v := range cells {
		payload.Row.Cells = append(payload.Row.Cells, codaCell{Column: col, Value: v})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return types.Permanent(types.KindWriteBack, types.SubkindMalformed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.rowURL(rowID), bytes.NewReader(data))
	if err != nil {
		return types.Permanent(types.KindWriteBack, types.SubkindMalformed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(req, types.KindWriteBack)
	return err
}

func (c *CodaStore) do(req *http.Request, kind types.ErrorKind) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	resp, err := c.client.Do(req)
	if err != nil {
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil, types.Transient(kind, types.SubkindTimeout, err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, types.Permanent(kind, types.SubkindCanceled, err)
		}
		return nil, types.Transient(kind, types.SubkindUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, types.Transient(kind, types.SubkindUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		return nil, httpError(kind, resp.StatusCode, string(bytes.TrimSpace(body)))
	}
	return body, nil
}
