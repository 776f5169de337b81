// Package webhook implements the webhook trigger kind (spec.md §4.6):
// path-routed HTTP ingress with optional HMAC-SHA256 or shared-secret
// authentication, verified with constant-time comparison.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Fire dispatches the webhook's envelope as the fired execution's inputs
// (under the `_webhook` key) and returns the execution id the HTTP
// response needs.
type Fire func(workflowName, workflowPath string, inputs map[string]any) (executionID string, err error)

type route struct {
	workflowName string
	workflowPath string
	secret       string
}

// Service routes POST /api/hooks/{path} requests to the workflow
// registered under that path.
type Service struct {
	fire Fire

	mu     sync.RWMutex
	routes map[string]route
}

func New(fire Fire) *Service {
	return &Service{fire: fire, routes: make(map[string]route)}
}

// Register binds path to workflowName. secret, if non-empty, is required
// to verify every request against that path.
func (s *Service) Register(path, workflowName, workflowPath, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[strings.Trim(path, "/")] = route{workflowName: workflowName, workflowPath: workflowPath, secret: secret}
}

// Unregister removes path's binding.
func (s *Service) Unregister(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes, strings.Trim(path, "/"))
}

// Handler mounts at the webhook ingress prefix (e.g. "/api/hooks/") and
// dispatches each request's trailing path segment to its registered
// workflow.
func (s *Service) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		path := strings.Trim(r.URL.Path, "/")
		s.mu.RLock()
		rt, ok := s.routes[path]
		s.mu.RUnlock()
		if !ok {
			http.Error(w, "no workflow registered for this webhook path", http.StatusNotFound)
			return
		}

		rawBody, err := readLimited(r)
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}

		if !Verify(rt.secret, rawBody, r.Header.Get("X-Webhook-Secret"), r.Header.Get("X-Hub-Signature-256")) {
			http.Error(w, "invalid webhook signature", http.StatusUnauthorized)
			return
		}

		var body any = map[string]any{}
		if len(rawBody) > 0 {
			if err := json.Unmarshal(rawBody, &body); err != nil {
				body = map[string]any{}
			}
		}

		headers := make(map[string]string, len(r.Header))
		for k := range r.Header {
			headers[k] = r.Header.Get(k)
		}
		query := make(map[string]string, len(r.URL.Query()))
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}

		inputs := map[string]any{
			"_webhook": map[string]any{
				"path":      "/" + path,
				"method":    r.Method,
				"headers":   headers,
				"query":     query,
				"body":      body,
				"client_ip": clientIP(r),
				"timestamp": time.Now().UTC(),
			},
		}

		executionID, err := s.fire(rt.workflowName, rt.workflowPath, inputs)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":       "accepted",
			"execution_id": executionID,
			"workflow":     rt.workflowName,
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}

const maxBodyBytes = 1 << 20 // 1MiB, generous for a workflow trigger payload

func readLimited(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, io.ErrShortBuffer
	}
	return body, nil
}

// Verify reports whether a webhook request is authentic. An empty secret
// means the trigger declared no auth, so every request passes. Callers may
// authenticate either with a bare shared-secret header or an HMAC-SHA256
// signature of the form "sha256=<hex>" over the raw body, matching the two
// schemes spec.md §4.6 lists; both comparisons run in constant time.
func Verify(secret string, body []byte, headerSecret, headerSignature string) bool {
	if secret == "" {
		return true
	}
	if headerSecret != "" {
		return subtle.ConstantTimeCompare([]byte(headerSecret), []byte(secret)) == 1
	}
	if sig, ok := strings.CutPrefix(headerSignature, "sha256="); ok {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(expected), []byte(sig))
	}
	return false
}
