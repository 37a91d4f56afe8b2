// Package graphfake is an in-memory stand-in for the three device services,
// served over HTTP with the same paths, filters, paging and error envelope.
// Deletions become visible only after a configurable number of reads so
// verification loops can be exercised.
package graphfake

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/carverauto/fleetreconcile/pkg/directory"
	"github.com/carverauto/fleetreconcile/pkg/models"
)

const defaultPageSize = 2

var (
	eqPattern       = regexp.MustCompile(`^(\w+) eq '((?:[^']|'')*)'$`)
	containsPattern = regexp.MustCompile(`^contains\((\w+),'((?:[^']|'')*)'\)$`)
	anyPattern      = regexp.MustCompile(`^(\w+)/any\(p:p eq '((?:[^']|'')*)'\)$`)
)

// Call is one request received by the server.
type Call struct {
	Method string
	Path   string
	Query  url.Values
	Body   map[string]any
}

// Fault makes matching requests fail with the given status and envelope.
type Fault struct {
	Method       string
	PathContains string
	Status       int
	Code         string
	Message      string
	// Times limits how often the fault fires; zero means forever.
	Times int
}

type item struct {
	fields   map[string]any
	removeIn int
}

type collection struct {
	order []string
	items map[string]*item
}

// Server is the fake backend.
type Server struct {
	// Token, when set, is the only bearer token accepted.
	Token string
	// PageSize caps every page; small values force pagination.
	PageSize int
	// RemovalReads is how many collection reads a deleted or wiped record
	// stays visible for.
	RemovalReads int

	mu          sync.Mutex
	collections map[models.ServiceKind]*collection
	faults      []*Fault
	calls       []Call
	srv         *httptest.Server
}

// New starts a server. Close it when done.
func New() *Server {
	s := &Server{
		PageSize: defaultPageSize,
		collections: map[models.ServiceKind]*collection{
			models.ServiceManagement: {items: map[string]*item{}},
			models.ServiceRegistry:   {items: map[string]*item{}},
			models.ServiceDirectory:  {items: map[string]*item{}},
		},
	}

	s.srv = httptest.NewServer(s.routes())

	return s
}

// URL is the base URL to hand to the client.
func (s *Server) URL() string {
	return s.srv.URL
}

// Close shuts the server down.
func (s *Server) Close() {
	s.srv.Close()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.record)
	r.Use(s.authenticate)
	r.Use(s.injectFaults)

	mount := func(path string, kind models.ServiceKind) {
		r.Route(path, func(r chi.Router) {
			r.Get("/", s.handleList(kind))
			r.Get("/{id}", s.handleGet(kind))
			r.Delete("/{id}", s.handleDelete(kind))

			if kind == models.ServiceManagement {
				r.Post("/{id}/wipe", s.handleWipe)
				r.Post("/{id}/syncDevice", s.handleSync)
			}
		})
	}

	mount("/deviceManagement/managedDevices", models.ServiceManagement)
	mount("/deviceManagement/windowsAutopilotDeviceIdentities", models.ServiceRegistry)
	mount("/devices", models.ServiceDirectory)

	return r
}

// AddManaged seeds a Management record.
func (s *Server) AddManaged(d directory.ManagedDevice) {
	if d.ManagementState == "" {
		d.ManagementState = string(models.ManagementStateNormal)
	}

	s.add(models.ServiceManagement, d.ID, d)
}

// AddAutopilot seeds a Registry record.
func (s *Server) AddAutopilot(a directory.AutopilotIdentity) {
	s.add(models.ServiceRegistry, a.ID, a)
}

// AddDirectory seeds a Directory record.
func (s *Server) AddDirectory(d directory.DirectoryDevice) {
	s.add(models.ServiceDirectory, d.ID, d)
}

func (s *Server) add(kind models.ServiceKind, id string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		panic(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collections[kind]
	if _, ok := c.items[id]; !ok {
		c.order = append(c.order, id)
	}

	c.items[id] = &item{fields: fields}
}

// Exists reports whether a record is still visible.
func (s *Server) Exists(kind models.ServiceKind, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.collections[kind].items[id]

	return ok
}

// Field returns one field of a stored record.
func (s *Server) Field(kind models.ServiceKind, id, field string) any {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.collections[kind].items[id]
	if !ok {
		return nil
	}

	return it.fields[field]
}

// InjectFault registers a failure for matching requests.
func (s *Server) InjectFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.faults = append(s.faults, &f)
}

// Calls returns every request received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Call, len(s.calls))
	copy(out, s.calls)

	return out
}

// CountCalls counts requests with the method whose path contains fragment.
func (s *Server) CountCalls(method, fragment string) int {
	n := 0

	for _, c := range s.Calls() {
		if c.Method == method && strings.Contains(c.Path, fragment) {
			n++
		}
	}

	return n
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := Call{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query()}

		if r.Body != nil && r.ContentLength != 0 {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
				call.Body = body
			}
		}

		s.mu.Lock()
		s.calls = append(s.calls, call)
		s.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeError(w, http.StatusUnauthorized, "InvalidAuthenticationToken", "Access token is empty or invalid.")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()

		var hit *Fault

		for _, f := range s.faults {
			if f.Method != "" && f.Method != r.Method {
				continue
			}

			if !strings.Contains(r.URL.Path, f.PathContains) {
				continue
			}

			if f.Times < 0 {
				continue
			}

			hit = f

			if f.Times > 0 {
				f.Times--
				if f.Times == 0 {
					f.Times = -1
				}
			}

			break
		}

		s.mu.Unlock()

		if hit != nil {
			writeError(w, hit.Status, hit.Code, hit.Message)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// tick advances pending removals on one collection. Callers hold s.mu.
func (s *Server) tick(kind models.ServiceKind) {
	c := s.collections[kind]
	kept := c.order[:0]

	for _, id := range c.order {
		it := c.items[id]
		if it.removeIn > 0 {
			it.removeIn--
			if it.removeIn == 0 {
				delete(c.items, id)
				continue
			}
		}

		kept = append(kept, id)
	}

	c.order = kept
}

// scheduleRemoval hides a record after RemovalReads reads. Callers hold s.mu.
func (s *Server) scheduleRemoval(kind models.ServiceKind, id string) {
	c := s.collections[kind]

	it, ok := c.items[id]
	if !ok || it.removeIn > 0 {
		return
	}

	if s.RemovalReads <= 0 {
		delete(c.items, id)

		for i, oid := range c.order {
			if oid == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}

		return
	}

	it.removeIn = s.RemovalReads
}

func (s *Server) handleList(kind models.ServiceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		match, err := parseFilter(q.Get("$filter"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
			return
		}

		if kind == models.ServiceDirectory && strings.Contains(q.Get("$filter"), "/any(") &&
			r.Header.Get("ConsistencyLevel") != "eventual" {
			writeError(w, http.StatusBadRequest, "Request_UnsupportedQuery", "Unsupported query without ConsistencyLevel.")
			return
		}

		s.mu.Lock()
		s.tick(kind)

		c := s.collections[kind]
		matched := make([]map[string]any, 0, len(c.order))

		for _, id := range c.order {
			if fields := c.items[id].fields; match(fields) {
				matched = append(matched, fields)
			}
		}
		s.mu.Unlock()

		size := s.PageSize
		if top, err := strconv.Atoi(q.Get("$top")); err == nil && top > 0 && (size <= 0 || top < size) {
			size = top
		}

		if size <= 0 {
			size = len(matched) + 1
		}

		offset, _ := strconv.Atoi(q.Get("$skiptoken"))
		if offset > len(matched) {
			offset = len(matched)
		}

		end := offset + size
		if end > len(matched) {
			end = len(matched)
		}

		resp := map[string]any{"value": matched[offset:end]}

		if end < len(matched) {
			q.Set("$skiptoken", strconv.Itoa(end))
			resp["@odata.nextLink"] = s.srv.URL + r.URL.Path + "?" + q.Encode()
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleGet(kind models.ServiceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		s.mu.Lock()
		s.tick(kind)
		it, ok := s.collections[kind].items[id]
		s.mu.Unlock()

		if !ok {
			writeError(w, http.StatusNotFound, "ResourceNotFound", fmt.Sprintf("Resource '%s' does not exist.", id))
			return
		}

		writeJSON(w, http.StatusOK, it.fields)
	}
}

func (s *Server) handleDelete(kind models.ServiceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		s.mu.Lock()
		defer s.mu.Unlock()

		if _, ok := s.collections[kind].items[id]; !ok {
			writeError(w, http.StatusNotFound, "ResourceNotFound", fmt.Sprintf("Resource '%s' does not exist.", id))
			return
		}

		s.scheduleRemoval(kind, id)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleWipe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.collections[models.ServiceManagement].items[id]
	if !ok {
		writeError(w, http.StatusNotFound, "ResourceNotFound", fmt.Sprintf("Resource '%s' does not exist.", id))
		return
	}

	state, _ := it.fields["managementState"].(string)
	if models.ManagementState(state).Pending() {
		writeError(w, http.StatusBadRequest, "BadRequest", "A wipe action is already pending for this device.")
		return
	}

	it.fields["managementState"] = string(models.ManagementStateWipePending)
	s.scheduleRemoval(models.ServiceManagement, id)

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	_, ok := s.collections[models.ServiceManagement].items[id]
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "ResourceNotFound", fmt.Sprintf("Resource '%s' does not exist.", id))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// parseFilter understands the three filter shapes the client emits.
func parseFilter(filter string) (func(map[string]any) bool, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return func(map[string]any) bool { return true }, nil
	}

	unquote := func(s string) string { return strings.ReplaceAll(s, "''", "'") }

	if m := eqPattern.FindStringSubmatch(filter); m != nil {
		field, want := m[1], unquote(m[2])

		return func(fields map[string]any) bool {
			got, _ := fields[field].(string)
			return strings.EqualFold(got, want)
		}, nil
	}

	if m := containsPattern.FindStringSubmatch(filter); m != nil {
		field, want := m[1], strings.ToLower(unquote(m[2]))

		return func(fields map[string]any) bool {
			got, _ := fields[field].(string)
			return strings.Contains(strings.ToLower(got), want)
		}, nil
	}

	if m := anyPattern.FindStringSubmatch(filter); m != nil {
		field, want := m[1], unquote(m[2])

		return func(fields map[string]any) bool {
			values, _ := fields[field].([]any)
			for _, v := range values {
				if s, ok := v.(string); ok && strings.EqualFold(s, want) {
					return true
				}
			}

			return false
		}, nil
	}

	return nil, fmt.Errorf("unsupported filter: %s", filter)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	body := map[string]any{"error": map[string]string{"code": code, "message": message}}
	writeJSON(w, status, body)
}
