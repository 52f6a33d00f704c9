package common

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serve routes path through a chi router and returns what the handler extracted
func serve(t *testing.T, pattern, path string, extract func(r *http.Request) (any, error)) (any, error) {
	t.Helper()

	var (
		got any
		err error
	)
	r := chi.NewRouter()
	r.Get(pattern, func(_ http.ResponseWriter, req *http.Request) {
		got, err = extract(req)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	return got, err
}

func TestGetAndValidateURLParam(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		path       string
		wantValue  string
		wantErrMsg string
	}{
		{name: "plain", path: "/items/engineering", wantValue: "engineering"},
		{name: "dots and dashes", path: "/items/a.b-c_d", wantValue: "a.b-c_d"},
		{name: "encoded slash", path: "/items/a%2Fb", wantValue: "a/b"},
		{name: "encoded space", path: "/items/a%20b", wantErrMsg: "name cannot contain whitespace"},
		{name: "whitespace only", path: "/items/%20", wantErrMsg: "name cannot be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := serve(t, "/items/{name}", tt.path, func(r *http.Request) (any, error) {
				return GetAndValidateURLParam(r, "name")
			})
			if tt.wantErrMsg != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErrMsg, err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantValue, got)
		})
	}
}

func TestGetIDParam(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		path    string
		want    int64
		wantErr bool
	}{
		{name: "valid", path: "/pairs/42", want: 42},
		{name: "zero", path: "/pairs/0", wantErr: true},
		{name: "negative", path: "/pairs/-3", wantErr: true},
		{name: "not a number", path: "/pairs/abc", wantErr: true},
		{name: "overflow", path: "/pairs/99999999999999999999", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := serve(t, "/pairs/{id}", tt.path, func(r *http.Request) (any, error) {
				return GetIDParam(r, "id")
			})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
