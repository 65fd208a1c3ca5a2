package records

import (
	"context"
	"fmt"
	"net/http"

	"transcription-webhook-go/internal/types"
)

// Row maps column names to cell values.
type Row map[string]string

// RowStore is the external record store rows are read from and written to.
// GetRow failures carry KindResolve, UpdateRow failures KindWriteBack.
type RowStore interface {
	GetRow(ctx context.Context, rowID string) (Row, error)
	UpdateRow(ctx context.Context, rowID string, cells Row) error
}

func rowNotFound(kind types.ErrorKind, rowID string) error {
	return &types.Error{Kind: kind, Subkind: types.SubkindNotFound, Message: fmt.Sprintf("row %s not found", rowID)}
}

func httpError(kind types.ErrorKind, code int, body string) error {
	msg := fmt.Sprintf("record store returned status %d: %s", code, body)
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return &types.Error{Kind: kind, Subkind: types.SubkindNotFound, Message: msg}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &types.Error{Kind: kind, Subkind: types.SubkindForbidden, Message: msg}
	case code == http.StatusTooManyRequests:
		return &types.Error{Kind: kind, Subkind: types.SubkindRateLimited, Transient: true, Message: msg}
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return &types.Error{Kind: kind, Subkind: types.SubkindTimeout, Transient: true, Message: msg}
	case code >= 500:
		return &types.Error{Kind: kind, Subkind: types.SubkindUnavailable, Transient: true, Message: msg}
	default:
		return &types.Error{Kind: kind, Subkind: types.SubkindMalformed, Message: msg}
	}
}
