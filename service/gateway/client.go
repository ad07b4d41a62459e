package gateway

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"golang.org/x/xerrors"
)

// Upload streams r to the gateway at baseURL as the multipart field
// FormField and returns the content id it answers with.
func Upload(ctx context.Context, baseURL, name string, r io.Reader) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		fw, err := mw.CreateFormFile(FormField, name)
		if err == nil {
			_, err = io.Copy(fw, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+UploadPath, pr)
	if err != nil {
		pr.Close()
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", xerrors.Errorf("upload %s: %w", name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	msg := strings.TrimSpace(string(body))

	if resp.StatusCode != http.StatusOK {
		return "", xerrors.Errorf("upload %s: gateway answered %d: %s", name, resp.StatusCode, msg)
	}
	if msg == "" {
		return "", xerrors.Errorf("upload %s: empty content id", name)
	}
	return msg, nil
}
