package workers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"courier/internal/engine/faults"
	"courier/internal/engine/webhooks"
)

// RegisterOperations installs the retry handlers the sweep dispatches to by
// ErrorContext.Operation. Records naming an operation without a handler
// fail for insufficient context.
func RegisterOperations(reg *faults.OperationRegistry, hooks *webhooks.Service, client *http.Client) {
	if hooks != nil {
		reg.Register(faults.OperationWebhookDelivery, hooks.Redeliver)
	}
	if client == nil {
		client = http.DefaultClient
	}
	reg.Register(faults.OperationAPIRequest, replayRequest(client))
}

// replayRequest re-issues the outbound API call recorded in the error
// context. Metadata, when present, is sent as the JSON body.
func replayRequest(client *http.Client) faults.OperationFunc {
	return func(ctx context.Context, ectx faults.ErrorContext) faults.OperationResult {
		if ectx.Endpoint == "" {
			return faults.OperationResult{Message: "api request has no endpoint"}
		}
		method := ectx.Method
		if method == "" {
			method = http.MethodGet
		}

		var body io.Reader
		if len(ectx.Metadata) > 0 && method != http.MethodGet {
			body = bytes.NewReader(ectx.Metadata)
		}
		req, err := http.NewRequestWithContext(ctx, method, ectx.Endpoint, body)
		if err != nil {
			return faults.OperationResult{Message: err.Error()}
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if ectx.RequestID != "" {
			req.Header.Set("X-Request-ID", ectx.RequestID)
		}

		resp, err := client.Do(req)
		if err != nil {
			return faults.OperationResult{Message: err.Error()}
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return faults.OperationResult{Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))}
		}
		return faults.OperationResult{Success: true}
	}
}
