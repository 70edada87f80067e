package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivelinehq/driveline/config"
	"github.com/drivelinehq/driveline/errs"
)

func fakeDataAPI(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/fmi/data/v1/databases/parts/sessions":
			user, pass, ok := r.BasicAuth()
			if !ok || user != "sync" || pass != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"response": map[string]string{"token": "tok-1"},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/fmi/data/v1/databases/parts/layouts/Items/records":
			require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(map[string]interface{}{
				"response": map[string]interface{}{
					"data": []map[string]interface{}{
						{"recordId": "11", "fieldData": map[string]interface{}{"PART_NO": "AB-123", "QTY": 4}},
						{"recordId": "12", "fieldData": map[string]interface{}{"PART_NO": "CD-456", "QTY": 9}},
					},
				},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/fmi/data/v1/databases/parts/layouts/Items/_find":
			// No matches: FileMaker reports code 401 inside a 500.
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"messages": []map[string]string{{"code": "401"}},
			})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &paths
}

func fileMakerUnderTest(t *testing.T, layouts []string) *FileMakerConnector {
	t.Helper()
	srv, _ := fakeDataAPI(t)
	return NewFileMakerConnector(config.FileMakerConfig{
		URL:      srv.URL,
		Database: "parts",
		Username: "sync",
		Password: config.Secret("secret"),
		Layouts:  layouts,
	})
}

func TestFileMakerSessionAndExtract(t *testing.T) {
	c := fileMakerUnderTest(t, []string{"Items"})
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))

	records, err := c.Extract(ctx, "Items", 50, nil)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "AB-123", records[0]["PART_NO"])
	assert.Equal(t, "11", records[0]["recordId"])

	require.NoError(t, c.Close(ctx))
}

func TestFileMakerWhitelist(t *testing.T) {
	c := fileMakerUnderTest(t, []string{"Items"})
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Extract(context.Background(), "Customers", 10, nil)
	require.Error(t, err)
	assert.Equal(t, errs.CodeSecurity, errs.Code(err))
}

func TestFileMakerFindNoMatches(t *testing.T) {
	c := fileMakerUnderTest(t, nil)
	require.NoError(t, c.Connect(context.Background()))

	records, err := c.Extract(context.Background(), `{"layout":"Items","query":[{"PART_NO":"=ZZ"}]}`, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFileMakerExtractBeforeConnect(t *testing.T) {
	c := fileMakerUnderTest(t, nil)
	_, err := c.Extract(context.Background(), "Items", 10, nil)
	require.Error(t, err)
}

func TestFileMakerBadCredentials(t *testing.T) {
	srv, _ := fakeDataAPI(t)
	c := NewFileMakerConnector(config.FileMakerConfig{
		URL:      srv.URL,
		Database: "parts",
		Username: "sync",
		Password: config.Secret("wrong"),
	})
	require.Error(t, c.Connect(context.Background()))
}
