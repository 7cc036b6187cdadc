package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DobryySoul/causalkv"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := causalkv.Open[string, []byte](context.Background(), "http",
		causalkv.WithCodec(causalkv.BytesCodec{}))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(context.Background()) })

	ts := httptest.NewServer(NewServer(db, nil).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string) (int, Response) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer res.Body.Close()
	var out Response
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return res.StatusCode, out
}

func TestPutGetDelete(t *testing.T) {
	ts := newTestServer(t)

	if code, _ := do(t, http.MethodPut, ts.URL+"/kv/a", "v1"); code != http.StatusOK {
		t.Fatalf("put status = %d", code)
	}
	code, res := do(t, http.MethodGet, ts.URL+"/kv/a", "")
	if code != http.StatusOK || res.Value != "v1" {
		t.Fatalf("get = %d %+v", code, res)
	}

	if code, _ := do(t, http.MethodDelete, ts.URL+"/kv/a", ""); code != http.StatusOK {
		t.Fatalf("delete status = %d", code)
	}
	code, res = do(t, http.MethodGet, ts.URL+"/kv/a", "")
	if code != http.StatusNotFound || res.Error != "NotFound" {
		t.Fatalf("get after delete = %d %+v", code, res)
	}
}

func TestRange(t *testing.T) {
	ts := newTestServer(t)
	for _, k := range []string{"a", "b", "c", "d"} {
		if code, _ := do(t, http.MethodPut, ts.URL+"/kv/"+k, "v"+k); code != http.StatusOK {
			t.Fatalf("put %s status = %d", k, code)
		}
	}

	cases := []struct {
		query string
		want  string
	}{
		{"", "a,b,c,d"},
		{"?reverse=true", "d,c,b,a"},
		{"?limit=2", "a,b"},
		{"?gt=a&lte=c", "b,c"},
		{"?gte=e", ""},
	}
	for _, tc := range cases {
		code, res := do(t, http.MethodGet, ts.URL+"/kv"+tc.query, "")
		if code != http.StatusOK {
			t.Fatalf("range %q status = %d", tc.query, code)
		}
		keys := make([]string, 0, len(res.Pairs))
		for _, p := range res.Pairs {
			if p.Value != "v"+p.Key {
				t.Fatalf("range %q: %s=%s", tc.query, p.Key, p.Value)
			}
			keys = append(keys, p.Key)
		}
		if got := strings.Join(keys, ","); got != tc.want {
			t.Fatalf("range %q = %q, want %q", tc.query, got, tc.want)
		}
	}

	if code, _ := do(t, http.MethodGet, ts.URL+"/kv?limit=x", ""); code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", code)
	}
}

func TestHead(t *testing.T) {
	ts := newTestServer(t)

	_, res := do(t, http.MethodGet, ts.URL+"/head", "")
	if res.Head != "" {
		t.Fatalf("empty log head = %q", res.Head)
	}
	do(t, http.MethodPut, ts.URL+"/kv/a", "1")
	_, res = do(t, http.MethodGet, ts.URL+"/head", "")
	if !strings.HasPrefix(res.Head, "s2-") {
		t.Fatalf("head = %q", res.Head)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	code, res := do(t, http.MethodGet, ts.URL+"/health", "")
	if code != http.StatusOK || res.Status != StatusOK {
		t.Fatalf("health = %d %+v", code, res)
	}

	do(t, http.MethodPut, ts.URL+"/kv/a", "1")
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
}
