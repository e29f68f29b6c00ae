package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	Success     bool     `json:"success"`
	Error       string   `json:"error"`
	FailedFiles []string `json:"failedFiles"`
}

func execute(t *testing.T, stdin string, args ...string) (reply, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(strings.NewReader(stdin), &stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())

	var r reply
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &r), "stdout: %q", stdout.String())
	return r, stderr.String(), err
}

func writePNG(t *testing.T, path string) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 12, 8))))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestCanceledRequest(t *testing.T) {
	r, _, err := execute(t, "", `{"items":[],"outputPath":{"canceled":true}}`)
	require.NoError(t, err)
	assert.True(t, r.Success)
}

func TestInvalidRequest(t *testing.T) {
	r, _, err := execute(t, "", `{"items":[],"outputPath":"out.pdf"}`)
	assert.ErrorIs(t, err, errFailed)
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "items")
}

func TestEmptyStdin(t *testing.T) {
	r, _, err := execute(t, "  \n")
	assert.ErrorIs(t, err, errFailed)
	assert.Equal(t, "no input data provided", r.Error)
}

func TestRequestFromFile(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "page.png")
	writePNG(t, img)
	out := filepath.Join(dir, "out.pdf")
	reqPath := filepath.Join(dir, "request.json")
	body := fmt.Sprintf(`{"items":[{"path":%q,"rot":90},{"path":%q,"type":"img"}],"outputPath":%q,"resizeToFit":true}`,
		img, filepath.Join(dir, "missing.png"), out)
	require.NoError(t, os.WriteFile(reqPath, []byte(body), 0o644))

	r, stderr, err := execute(t, "", "--request", reqPath, "--log-level", "debug", "--progress")
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, []string{"missing.png"}, r.FailedFiles)
	assert.FileExists(t, out)
	assert.Contains(t, stderr, "merge complete")
}

func TestRequestFromStdin(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "page.png")
	writePNG(t, img)
	out := filepath.Join(dir, "out.pdf")

	r, _, err := execute(t, fmt.Sprintf(`{"items":[{"path":%q}],"outputPath":%q}`, img, out), "--request", "-")
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.FileExists(t, out)
}

func TestArgumentAndFlagConflict(t *testing.T) {
	r, _, err := execute(t, "", "--request", "x.json", `{"items":[]}`)
	assert.ErrorIs(t, err, errFailed)
	assert.Contains(t, r.Error, "not both")
}
