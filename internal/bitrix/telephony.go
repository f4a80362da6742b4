package bitrix

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
)

// RegisterCall registers an external call with the CRM. CRM_CREATE=1 lets
// the CRM auto-create a lead for unknown numbers; the created-entities
// snapshot in the result tells the caller whether it did.
func (c *Client) RegisterCall(ctx context.Context, req RegisterCallRequest) (*RegisteredCall, error) {
	params := url.Values{}
	params.Set("USER_ID", req.UserID)
	params.Set("PHONE_NUMBER", req.Phone)
	params.Set("TYPE", strconv.Itoa(req.Type))
	params.Set("CRM_CREATE", "1")
	params.Set("SHOW", "0")
	params.Set("LINE_NUMBER", req.LineNumber)

	raw, err := c.call(ctx, http.MethodPost, "telephony.externalcall.register", params)
	if err != nil {
		return nil, err
	}
	obj, err := decodeObject("telephony.externalcall.register", raw)
	if err != nil {
		return nil, err
	}

	rc := &RegisteredCall{
		CallID:      asString(obj["CALL_ID"]),
		CreatedLead: asString(obj["CRM_CREATED_LEAD"]),
	}
	if rc.CallID == "" {
		return nil, &Error{Kind: KindSemantic, Op: "telephony.externalcall.register", Err: fmt.Errorf("no CALL_ID in response")}
	}
	if created, ok := obj["CRM_CREATED_ENTITIES"].([]any); ok {
		for _, item := range created {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			rc.CreatedEntities = append(rc.CreatedEntities, CreatedEntity{
				ID:   asString(m["ENTITY_ID"]),
				Type: asString(m["ENTITY_TYPE"]),
			})
		}
	}
	return rc, nil
}

// ShowCallWindow opens the call popup for one CRM user.
func (c *Client) ShowCallWindow(ctx context.Context, callID, userID string) error {
	params := url.Values{}
	params.Set("CALL_ID", callID)
	params.Set("USER_ID", userID)
	_, err := c.call(ctx, http.MethodPost, "telephony.externalcall.show", params)
	return err
}

// HideCallWindow closes the call popup for one CRM user. Hiding an
// already-closed window comes back as a semantic error, which callers
// treat as done.
func (c *Client) HideCallWindow(ctx context.Context, callID, userID string) error {
	params := url.Values{}
	params.Set("CALL_ID", callID)
	params.Set("USER_ID", userID)
	_, err := c.call(ctx, http.MethodPost, "telephony.externalcall.hide", params)
	return err
}

// FinishCall finalizes the external call on behalf of userID and returns
// the CRM activity id created for it.
func (c *Client) FinishCall(ctx context.Context, callID, userID string, duration int) (string, error) {
	params := url.Values{}
	params.Set("CALL_ID", callID)
	params.Set("USER_ID", userID)
	params.Set("DURATION", strconv.Itoa(duration))

	raw, err := c.call(ctx, http.MethodPost, "telephony.externalcall.finish", params)
	if err != nil {
		return "", err
	}
	obj, err := decodeObject("telephony.externalcall.finish", raw)
	if err != nil {
		return "", err
	}
	activityID := asString(obj["CRM_ACTIVITY_ID"])
	if activityID == "" {
		return "", &Error{Kind: KindSemantic, Op: "telephony.externalcall.finish", Err: fmt.Errorf("no CRM_ACTIVITY_ID in response")}
	}
	return activityID, nil
}

// AttachRecording uploads the recording file to the CRM call in two steps:
// attachRecord yields an uploadUrl, then the file is posted there as
// multipart form data.
func (c *Client) AttachRecording(ctx context.Context, callID, path string) error {
	const op = "telephony.externalcall.attachRecord"

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening recording: %w", err)
	}
	defer f.Close()

	params := url.Values{}
	params.Set("CALL_ID", callID)
	params.Set("FILENAME", filepath.Base(path))

	raw, err := c.call(ctx, http.MethodPost, op, params)
	if err != nil {
		return err
	}
	obj, err := decodeObject(op, raw)
	if err != nil {
		return err
	}
	uploadURL := asString(obj["uploadUrl"])
	if uploadURL == "" {
		return &Error{Kind: KindSemantic, Op: op, Err: fmt.Errorf("no uploadUrl in response")}
	}

	return c.uploadFile(ctx, op, uploadURL, filepath.Base(path), f)
}

// uploadFile posts the file body to the upload URL the CRM handed out.
func (c *Client) uploadFile(ctx context.Context, op, uploadURL, filename string, r io.Reader) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("building upload body: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("reading recording: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("building upload body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &body)
	if err != nil {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	c.requests.Add(1)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.failures.Add(1)
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.failures.Add(1)
		return &Error{Kind: KindHTTP, Op: op, Status: resp.StatusCode}
	}
	return nil
}
