package talk

import (
	"net/http"
	"net/http/httptest"
	"strings"
)

func httpPost(h http.Handler, body string) []byte {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body)))
	return rec.Body.Bytes()
}
