package validators

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/bodyscan-backend/pkg/errors"
)

type uploadBody struct {
	Mode          string `json:"mode" validate:"required,analyze_mode"`
	FrontFilename string `json:"front_filename" validate:"required,image_filename"`
	SideFilename  string `json:"side_filename,omitempty" validate:"omitempty,image_filename"`
	Gender        string `json:"gender,omitempty" validate:"omitempty,gender"`
}

func decode(t *testing.T, body string) (uploadBody, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	var dest uploadBody
	err := DecodeJSONBody(req, &dest)
	return dest, err
}

func TestDecodeJSONBodyAcceptsValidPayload(t *testing.T) {
	dest, err := decode(t, `{"mode":"standard_2view","front_filename":"front.JPG","side_filename":"side.heic","gender":"Female"}`)
	require.NoError(t, err)
	assert.Equal(t, "standard_2view", dest.Mode)
	assert.Equal(t, "side.heic", dest.SideFilename)
}

func TestDecodeJSONBodyReportsFieldMessages(t *testing.T) {
	_, err := decode(t, `{"mode":"FULL_BODY","front_filename":"../front.gif","gender":"robot"}`)
	require.Error(t, err)

	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())

	details, ok := typed.Details().(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "must be one of QUICK_1VIEW, STANDARD_2VIEW", details["mode"])
	assert.Contains(t, details["front_filename"], "must be a file name")
	assert.Equal(t, "must be one of male, female, other", details["gender"])
}

func TestDecodeJSONBodyRejectsMalformedInput(t *testing.T) {
	cases := map[string]string{
		"empty":    ``,
		"unknown":  `{"mode":"QUICK_1VIEW","front_filename":"a.jpg","extra":1}`,
		"trailing": `{"mode":"QUICK_1VIEW","front_filename":"a.jpg"}{"mode":"QUICK_1VIEW"}`,
		"oversize": `{"mode":"QUICK_1VIEW","front_filename":"` + strings.Repeat("a", maxBodyBytes) + `.jpg"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decode(t, body)
			require.Error(t, err)
			assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())
		})
	}
}

func TestIsImageFilename(t *testing.T) {
	assert.True(t, IsImageFilename("front.jpeg"))
	assert.True(t, IsImageFilename(" side.PNG "))
	assert.False(t, IsImageFilename("notes.txt"))
	assert.False(t, IsImageFilename("dir/front.jpg"))
	assert.False(t, IsImageFilename(`dir\front.jpg`))
	assert.False(t, IsImageFilename(""))
}

func TestParseQueryInt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=10", nil)
	v, err := ParseQueryInt(req, "limit", 20, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 10, v)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	v, err = ParseQueryInt(req, "limit", 20, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 20, v)

	for _, query := range []string{"?limit=abc", "?limit=0", "?limit=51", "?limit=1&limit=2"} {
		req = httptest.NewRequest(http.MethodGet, "/"+query, nil)
		_, err = ParseQueryInt(req, "limit", 20, 1, 50)
		require.Error(t, err, query)
		assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())
	}
}

func withParam(key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestPathParam(t *testing.T) {
	v, err := PathParam(withParam("jobId", " job_01HX-abc "), "jobId", 64)
	require.NoError(t, err)
	assert.Equal(t, "job_01HX-abc", v)

	for _, raw := range []string{"", "  ", strings.Repeat("x", 65), "job id", "job/../x"} {
		_, err := PathParam(withParam("jobId", raw), "jobId", 64)
		require.Error(t, err, raw)
		assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())
	}
}
