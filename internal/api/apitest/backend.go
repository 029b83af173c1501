// Package apitest provides an in-process dashboard backend for tests.
package apitest

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/KaramelBytes/datadash-cli/internal/model"
	"github.com/google/uuid"
)

// Backend serves the /api routes the client uses, keeping users, tokens
// and parsed datasets in memory.
type Backend struct {
	*httptest.Server

	mu       sync.Mutex
	users    map[string]string
	tokens   map[string]string
	datasets map[string]*parsed

	answer     AnswerFunc
	queries    []model.QueryRequest
	statsCalls []string
}

// AnswerFunc produces the reply to a query. A non-2xx status sends
// {"detail": answer} with that status instead.
type AnswerFunc func(req model.QueryRequest) (answer string, status int)

type parsed struct {
	desc *model.Dataset
	rows [][]string
}

// NewBackend starts the server. Callers must Close it.
func NewBackend() *Backend {
	b := &Backend{
		users:    map[string]string{},
		tokens:   map[string]string{},
		datasets: map[string]*parsed{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/register", b.register)
	mux.HandleFunc("POST /api/auth/login", b.login)
	mux.HandleFunc("GET /api/auth/me", b.me)
	mux.HandleFunc("POST /api/upload", b.upload)
	mux.HandleFunc("GET /api/dataset/{id}", b.dataset)
	mux.HandleFunc("GET /api/stats/{id}", b.stats)
	mux.HandleFunc("POST /api/query", b.query)
	b.Server = httptest.NewServer(mux)
	return b
}

// BaseURL is the endpoint root to hand to api.NewClient.
func (b *Backend) BaseURL() string {
	return b.Server.URL + "/api"
}

// AddUser registers an account directly.
func (b *Backend) AddUser(email, password string) {
	b.mu.Lock()
	b.users[email] = password
	b.mu.Unlock()
}

// RevokeTokens invalidates every issued token.
func (b *Backend) RevokeTokens() {
	b.mu.Lock()
	b.tokens = map[string]string{}
	b.mu.Unlock()
}

// SetAnswer replaces the query handler; nil echoes the question.
func (b *Backend) SetAnswer(fn AnswerFunc) {
	b.mu.Lock()
	b.answer = fn
	b.mu.Unlock()
}

// Queries returns the query payloads received so far.
func (b *Backend) Queries() []model.QueryRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.QueryRequest(nil), b.queries...)
}

// StatsCalls returns the dataset ids statistics were requested for.
func (b *Backend) StatsCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.statsCalls...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func detail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (b *Backend) issue(email string) model.Credential {
	token := uuid.NewString()
	b.tokens[token] = email
	return model.Credential{Token: token, Email: email}
}

func (b *Backend) register(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		detail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.users[c.Email]; ok {
		detail(w, http.StatusBadRequest, "Email already registered")
		return
	}
	if len(c.Password) < 6 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []map[string]string{{"msg": "Password must be at least 6 characters"}},
		})
		return
	}
	b.users[c.Email] = c.Password
	writeJSON(w, http.StatusOK, b.issue(c.Email))
}

func (b *Backend) login(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		detail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if pw, ok := b.users[c.Email]; !ok || pw != c.Password {
		detail(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	writeJSON(w, http.StatusOK, b.issue(c.Email))
}

// caller returns the email behind the bearer token, writing a 401 when
// there is none.
func (b *Backend) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	b.mu.Lock()
	email, ok := b.tokens[token]
	b.mu.Unlock()
	if !ok {
		detail(w, http.StatusUnauthorized, "Invalid token")
		return "", false
	}
	return email, true
}

func (b *Backend) me(w http.ResponseWriter, r *http.Request) {
	email, ok := b.caller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"email": email, "id": email})
}

func (b *Backend) upload(w http.ResponseWriter, r *http.Request) {
	if _, ok := b.caller(w, r); !ok {
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		detail(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer f.Close()
	if !strings.HasSuffix(strings.ToLower(hdr.Filename), ".csv") {
		detail(w, http.StatusBadRequest, "Only CSV files are supported")
		return
	}
	p, err := parseCSV(f)
	if err != nil {
		detail(w, http.StatusBadRequest, "Could not parse CSV: "+err.Error())
		return
	}
	p.desc.ID = uuid.NewString()
	p.desc.Filename = "upload-" + hdr.Filename
	b.mu.Lock()
	b.datasets[p.desc.ID] = p
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, p.desc)
}

func (b *Backend) lookup(w http.ResponseWriter, id string) (*parsed, bool) {
	b.mu.Lock()
	p, ok := b.datasets[id]
	b.mu.Unlock()
	if !ok {
		detail(w, http.StatusNotFound, "Dataset not found")
	}
	return p, ok
}

func (b *Backend) dataset(w http.ResponseWriter, r *http.Request) {
	if _, ok := b.caller(w, r); !ok {
		return
	}
	p, ok := b.lookup(w, r.PathValue("id"))
	if !ok {
		return
	}
	// The dataset route reports no filename; only upload does.
	writeJSON(w, http.StatusOK, map[string]any{
		"dataset_id":   p.desc.ID,
		"rows":         p.desc.Rows,
		"columns":      p.desc.Columns,
		"column_types": p.desc.ColumnTypes,
		"preview":      p.desc.Preview,
	})
}

func (b *Backend) stats(w http.ResponseWriter, r *http.Request) {
	if _, ok := b.caller(w, r); !ok {
		return
	}
	id := r.PathValue("id")
	b.mu.Lock()
	b.statsCalls = append(b.statsCalls, id)
	b.mu.Unlock()
	p, ok := b.lookup(w, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, summarize(p))
}

func (b *Backend) query(w http.ResponseWriter, r *http.Request) {
	if _, ok := b.caller(w, r); !ok {
		return
	}
	var req model.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		detail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	b.mu.Lock()
	b.queries = append(b.queries, req)
	answer := b.answer
	b.mu.Unlock()
	if _, ok := b.lookup(w, req.DatasetID); !ok {
		return
	}
	if answer == nil {
		writeJSON(w, http.StatusOK, map[string]string{"answer": "You asked: " + req.Question})
		return
	}
	text, status := answer(req)
	if status == 0 {
		status = http.StatusOK
	}
	if status < 200 || status >= 300 {
		detail(w, status, text)
		return
	}
	writeJSON(w, status, map[string]string{"answer": text})
}

func parseCSV(r io.Reader) (*parsed, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.New("empty file")
	}
	header := records[0]
	rows := records[1:]
	desc := &model.Dataset{
		Rows:        len(rows),
		Columns:     header,
		ColumnTypes: map[string]model.ColumnType{},
	}
	for i, col := range header {
		desc.ColumnTypes[col] = model.Numeric
		for _, row := range rows {
			if i >= len(row) || row[i] == "" {
				continue
			}
			if _, err := strconv.ParseFloat(row[i], 64); err != nil {
				desc.ColumnTypes[col] = model.Categorical
				break
			}
		}
	}
	for _, row := range rows {
		if len(desc.Preview) == model.MaxPreviewRows {
			break
		}
		rec := map[string]any{}
		for i, col := range header {
			if i < len(row) {
				rec[col] = cellValue(desc.ColumnTypes[col], row[i])
			}
		}
		desc.Preview = append(desc.Preview, rec)
	}
	return &parsed{desc: desc, rows: rows}, nil
}

func cellValue(t model.ColumnType, raw string) any {
	if raw == "" {
		return nil
	}
	if t == model.Numeric {
		v, _ := strconv.ParseFloat(raw, 64)
		return v
	}
	return raw
}

func summarize(p *parsed) model.Stats {
	out := model.Stats{
		Stats:  map[string]model.ColumnStats{},
		Charts: map[string][]map[string]any{},
	}
	firstNumeric, firstCategorical := -1, -1
	for i, col := range p.desc.Columns {
		t := p.desc.TypeOf(col)
		cs := model.ColumnStats{Type: string(t)}
		seen := map[string]int{}
		var nums []float64
		for _, row := range p.rows {
			if i >= len(row) || row[i] == "" {
				cs.NullCount++
				continue
			}
			seen[row[i]]++
			if t == model.Numeric {
				v, _ := strconv.ParseFloat(row[i], 64)
				nums = append(nums, v)
			}
		}
		cs.UniqueCount = len(seen)
		if t == model.Numeric {
			if firstNumeric < 0 {
				firstNumeric = i
			}
			if len(nums) > 0 {
				sum, lo, hi := 0.0, math.Inf(1), math.Inf(-1)
				for _, v := range nums {
					sum += v
					lo = math.Min(lo, v)
					hi = math.Max(hi, v)
				}
				mean := sum / float64(len(nums))
				cs.Sum, cs.Min, cs.Max, cs.Mean = &sum, &lo, &hi, &mean
			}
		} else {
			if firstCategorical < 0 {
				firstCategorical = i
			}
			cs.TopValues = topValues(seen, 5)
		}
		out.Stats[col] = cs
	}
	if firstNumeric >= 0 && firstCategorical >= 0 {
		num, cat := p.desc.Columns[firstNumeric], p.desc.Columns[firstCategorical]
		totals := map[string]float64{}
		var order []string
		for _, row := range p.rows {
			if firstCategorical >= len(row) || firstNumeric >= len(row) {
				continue
			}
			key := row[firstCategorical]
			if _, ok := totals[key]; !ok {
				order = append(order, key)
			}
			v, _ := strconv.ParseFloat(row[firstNumeric], 64)
			totals[key] += v
		}
		series := make([]map[string]any, 0, len(order))
		for _, k := range order {
			series = append(series, map[string]any{cat: k, num: totals[k]})
		}
		out.Charts[fmt.Sprintf("%s_by_%s", strings.ToLower(num), strings.ToLower(cat))] = series
	}
	return out
}

func topValues(counts map[string]int, n int) []model.ValueCount {
	out := make([]model.ValueCount, 0, len(counts))
	for v, c := range counts {
		out = append(out, model.ValueCount{Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
