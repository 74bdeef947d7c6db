package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"snapfarm/internal/types"
)

// maxResponseBody bounds how much of a runner response is read. Operation
// results are small maps; anything larger is a runner bug.
const maxResponseBody = 1 << 20 // 1 MB

// InvokeRequest is one per-account operation call against the runner fleet.
type InvokeRequest struct {
	AccountID     string                 `json:"account_id"`
	Username      string                 `json:"username"`
	Operation     types.OperationType    `json:"operation"`
	Configuration types.JobConfiguration `json:"configuration"`
	TraceID       string                 `json:"trace_id,omitempty"`
}

// invokeResponse is the runner's wire envelope.
type invokeResponse struct {
	Status  string          `json:"status"`
	Result  types.ResultMap `json:"result"`
	Message string          `json:"message"`
}

// Invoke runs one operation against one account and returns the runner's
// result payload (added_users, rejected_count, conversations and so on;
// the shape varies by operation). A non-2xx response maps to an AppError;
// the worker records it on the account execution rather than failing the
// whole run.
func (c *Client) Invoke(ctx context.Context, req InvokeRequest) (types.ResultMap, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode runner request", err)
	}

	url := fmt.Sprintf("%s/v1/accounts/%s/operations/%s", c.baseURL, req.AccountID, req.Operation)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build runner request", err)
	}

	resp, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamRunner, "failed to read runner response", err)
	}

	var decoded invokeResponse
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamRunner, "runner returned malformed response", err)
		}
		return decoded.Result, nil
	}

	// 4xx: the runner rejected this specific call (unknown account on the
	// fleet, unsupported operation). Surface its message when parseable.
	message := fmt.Sprintf("runner rejected operation with status %d", resp.StatusCode)
	if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Message != "" {
		message = decoded.Message
	}
	return nil, types.NewAppErrorWithDetails(
		types.ErrCodeUpstreamRunner,
		message,
		nil,
		map[string]any{"status_code": resp.StatusCode, "account_id": req.AccountID},
	)
}
