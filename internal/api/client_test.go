package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/KaramelBytes/datadash-cli/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ipv4Server struct {
	URL string
	srv *http.Server
	ln  net.Listener
}

func newIPv4Server(t *testing.T, handler http.Handler) *ipv4Server {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
			t.Skipf("skipping test: cannot open local listener (%v)", err)
		}
		t.Fatalf("listen tcp4: %v", err)
	}
	srv := &http.Server{Handler: handler}
	s := &ipv4Server{
		URL: "http://" + ln.Addr().String(),
		srv: srv,
		ln:  ln,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			panic(fmt.Sprintf("test server serve: %v", err))
		}
	}()
	t.Cleanup(s.Close)
	return s
}

func (s *ipv4Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLoginSuccess(t *testing.T) {
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/login" {
			http.NotFound(w, r)
			return
		}
		var req credentialsRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if r.Header.Get("X-Request-Id") == "" {
			writeJSON(w, 400, map[string]any{"detail": "missing request id"})
			return
		}
		writeJSON(w, 200, map[string]any{"token": "tok-" + req.Email, "email": req.Email})
	}))

	c := NewClient(srv.URL, 2*time.Second)
	cred, err := c.Login(testCtx(t), "a@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, model.Credential{Token: "tok-a@example.com", Email: "a@example.com"}, cred)
}

func TestLoginRejectedCarriesDetail(t *testing.T) {
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", "req_login_1")
		writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Invalid email or password."})
	}))

	c := NewClient(srv.URL, 2*time.Second)
	_, err := c.Login(testCtx(t), "a@example.com", "wrong")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "Invalid email or password.", authErr.Error())
	assert.Equal(t, "req_login_1", authErr.RequestID)
}

func TestRegisterDuplicateWithoutDetailFallsBack(t *testing.T) {
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	c := NewClient(srv.URL, 2*time.Second)
	_, err := c.Register(testCtx(t), "a@example.com", "secret1")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "Registration failed", authErr.Error())
}

func TestLoginValidatesBeforeSending(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", time.Second)
	_, err := c.Login(testCtx(t), "  ", "pw")
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "email", vErr.Field)
}

func TestLoginServerErrorIsRemote(t *testing.T) {
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 500, map[string]any{"detail": "database down"})
	}))
	c := NewClient(srv.URL, 2*time.Second)
	_, err := c.Login(testCtx(t), "a@example.com", "pw")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "database down", remote.Error())
}

func TestUploadRejectsNonCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.xlsx")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	c := NewClient("http://127.0.0.1:1", time.Second)
	_, err := c.Upload(testCtx(t), "tok", path)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "Please upload a .csv file.", vErr.Error())
}

func TestUploadSendsMultipartAndOverridesFilename(t *testing.T) {
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload" {
			http.NotFound(w, r)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, 400, map[string]any{"detail": err.Error()})
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		preview := make([]map[string]any, 0, 30)
		for i := 0; i < 30; i++ {
			preview = append(preview, map[string]any{"a": i})
		}
		writeJSON(w, 200, map[string]any{
			"dataset_id":   "ab12cd34",
			"filename":     "server-side-" + hdr.Filename,
			"rows":         len(b),
			"columns":      []string{"a"},
			"column_types": map[string]string{"a": "numeric"},
			"preview":      preview,
		})
	}))

	path := filepath.Join(t.TempDir(), "Sales.CSV")
	require.NoError(t, os.WriteFile(path, []byte("a\n1\n2\n"), 0o644))

	c := NewClient(srv.URL, 2*time.Second)
	ds, err := c.Upload(testCtx(t), "tok", path)
	require.NoError(t, err)
	assert.Equal(t, "ab12cd34", ds.ID)
	assert.Equal(t, "Sales.CSV", ds.Filename)
	assert.Equal(t, 6, ds.Rows)
	assert.Len(t, ds.Preview, model.MaxPreviewRows)
}

func TestUploadFailureDetailSurfacesVerbatim(t *testing.T) {
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 500, map[string]any{"detail": "Failed to parse CSV: bad quoting"})
	}))
	path := filepath.Join(t.TempDir(), "x.csv")
	require.NoError(t, os.WriteFile(path, []byte("a\n\"1\n"), 0o644))

	c := NewClient(srv.URL, 2*time.Second)
	_, err := c.Upload(testCtx(t), "", path)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "Failed to parse CSV: bad quoting", err.Error())
}

func TestStatsSendsBearerToken(t *testing.T) {
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			writeJSON(w, 401, map[string]any{"detail": "Not authenticated"})
			return
		}
		if r.URL.Path != "/stats/d1" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, 200, map[string]any{
			"stats": map[string]any{
				"Revenue": map[string]any{"type": "numeric", "null_count": 0, "unique_count": 3, "mean": 2.5, "sum": 7.5},
			},
			"charts": map[string]any{
				"revenue_by_region": []map[string]any{{"region": "EU", "revenue": 7.5}},
			},
		})
	}))

	c := NewClient(srv.URL, 2*time.Second)
	st, err := c.Stats(testCtx(t), "tok", "d1")
	require.NoError(t, err)
	require.Contains(t, st.Stats, "Revenue")
	require.NotNil(t, st.Stats["Revenue"].Mean)
	assert.InDelta(t, 2.5, *st.Stats["Revenue"].Mean, 1e-9)
	assert.Len(t, st.Charts["revenue_by_region"], 1)

	_, err = c.Stats(testCtx(t), "other", "d1")
	var authErr *AuthError
	assert.ErrorAs(t, err, &authErr)
}

func TestQueryRoundTrip(t *testing.T) {
	var got model.QueryRequest
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, 200, map[string]any{"answer": "EU performed best."})
	}))

	c := NewClient(srv.URL, 2*time.Second)
	answer, err := c.Query(testCtx(t), "tok", model.QueryRequest{DatasetID: "d1", Question: "Which region performed best?"})
	require.NoError(t, err)
	assert.Equal(t, "EU performed best.", answer)
	assert.Equal(t, "d1", got.DatasetID)
	assert.NotNil(t, got.History, "history must be sent as an empty list, not null")
}

func TestQueryMalformedPayloadIsTransportError(t *testing.T) {
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"result": "no answer field"})
	}))
	c := NewClient(srv.URL, 2*time.Second)
	_, err := c.Query(testCtx(t), "", model.QueryRequest{DatasetID: "d1", Question: "q"})
	var tErr *TransportError
	assert.ErrorAs(t, err, &tErr)
}

func TestNetworkFailureIsTransportError(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot open listener: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	c := NewClient("http://"+addr, time.Second)
	_, err = c.Stats(testCtx(t), "tok", "d1")
	var tErr *TransportError
	assert.ErrorAs(t, err, &tErr)
}

func TestValidationDetailListIsJoined(t *testing.T) {
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 422, map[string]any{"detail": []map[string]any{{"msg": "value is not a valid email address"}}})
	}))
	c := NewClient(srv.URL, 2*time.Second)
	_, err := c.Register(testCtx(t), "not-an-email", "secret1")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "value is not a valid email address", authErr.Error())
}
