package xrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// didDocument is the subset of an identity directory response we need to
// locate an account's PDS.
type didDocument struct {
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

// ResolveService looks up did in the identity directory and returns the
// account's PDS endpoint. Used for account list entries that arrive without
// a host.
func (c *Client) ResolveService(ctx context.Context, did string) (string, error) {
	if err := c.hostLimiter(c.directoryURL).Wait(ctx); err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/%s", c.directoryURL, did)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build directory request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("directory lookup for %s failed: %w", did, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", &TerminalError{Name: "NotFound", Message: "did not registered in directory"}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Code: resp.StatusCode, Message: "directory lookup failed"}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read directory response: %w", err)
	}
	var doc didDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("failed to decode did document for %s: %w", did, err)
	}

	for _, svc := range doc.Service {
		if svc.ID == "#atproto_pds" || svc.Type == "AtprotoPersonalDataServer" {
			if svc.ServiceEndpoint != "" {
				return svc.ServiceEndpoint, nil
			}
		}
	}
	return "", fmt.Errorf("did document for %s has no pds service", did)
}
