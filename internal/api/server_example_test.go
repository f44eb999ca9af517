package api_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/JakeFAU/media-fetcher/internal/api"
	"github.com/JakeFAU/media-fetcher/internal/storage/memory"
)

func ExampleServer_Handler() {
	srv := api.NewServer(nil, nil, memory.NewJobStore(), api.Config{}, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	fmt.Println(rec.Code, rec.Body.String())
	// Output: 200 {"status":"ready"}
}
