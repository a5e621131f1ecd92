package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/robbywh/perf-reporting/internal/config"
	"github.com/rs/zerolog"
)

func triggerRouter(key string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandlers(config.Config{TriggerKey: key}, zerolog.Nop(), nil)
	r := gin.New()
	r.POST("/sync", h.RequireTriggerKey, func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRequireTriggerKey(t *testing.T) {
	r := triggerRouter("s3cret")

	req := httptest.NewRequest(http.MethodPost, "/sync", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized { t.Fatalf("no key: status %d", w.Code) }

	req = httptest.NewRequest(http.MethodPost, "/sync", nil)
	req.Header.Set("X-Api-Key", "wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized { t.Fatalf("wrong key: status %d", w.Code) }

	req = httptest.NewRequest(http.MethodPost, "/sync", nil)
	req.Header.Set("X-Api-Key", "s3cret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK { t.Fatalf("correct key: status %d", w.Code) }

	req = httptest.NewRequest(http.MethodPost, "/sync", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK { t.Fatalf("bearer key: status %d", w.Code) }
}

func TestRequireTriggerKey_UnsetKeyRejectsAll(t *testing.T) {
	r := triggerRouter("")
	req := httptest.NewRequest(http.MethodPost, "/sync", nil)
	req.Header.Set("X-Api-Key", "")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized { t.Fatalf("unset key must reject: status %d", w.Code) }
}

func TestParseInt64CSV(t *testing.T) {
	got := parseInt64CSV("1, 2,x,,3")
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 { t.Fatalf("got %v", got) }
	if parseInt64CSV("") != nil { t.Fatalf("empty input should be nil") }
}

func TestCategoryIDParam(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/reports/approved?categoryId=4", nil)
	got := categoryID(c)
	if got == nil || *got != 4 { t.Fatalf("categoryId=4: got %v", got) }

	c2, _ := gin.CreateTestContext(httptest.NewRecorder())
	c2.Request = httptest.NewRequest(http.MethodGet, "/reports/approved", nil)
	if categoryID(c2) != nil { t.Fatalf("absent categoryId must be nil") }

	c3, _ := gin.CreateTestContext(httptest.NewRecorder())
	c3.Request = httptest.NewRequest(http.MethodGet, "/reports/approved?categoryId=x", nil)
	if categoryID(c3) != nil { t.Fatalf("malformed categoryId must be nil") }
}
