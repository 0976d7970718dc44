package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// searchServer is a minimal Elasticsearch stand-in that remembers indexed ids
// and answers similarity queries with every other stored id.
type searchServer struct {
	mu      sync.Mutex
	exists  bool
	deletes int
	ids     []string
	// failDelete makes index deletion answer 500.
	failDelete bool
}

func (s *searchServer) docs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func (s *searchServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	body, _ := io.ReadAll(r.Body)

	switch {
	case r.Method == http.MethodHead && r.URL.Path == "/products":
		if !s.exists {
			w.WriteHeader(http.StatusNotFound)
		}
	case r.Method == http.MethodDelete && r.URL.Path == "/products":
		s.deletes++
		if s.failDelete {
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"error":{"type":"cluster_block_exception"},"status":500}`)
			return
		}
		s.exists = false
		s.ids = nil
		io.WriteString(w, `{"acknowledged":true}`)
	case r.Method == http.MethodPut && r.URL.Path == "/products":
		s.exists = true
		io.WriteString(w, `{"acknowledged":true}`)
	case strings.HasSuffix(r.URL.Path, "/_bulk"):
		sc := bufio.NewScanner(bytes.NewReader(body))
		sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for sc.Scan() {
			var meta map[string]map[string]any
			if json.Unmarshal(sc.Bytes(), &meta) != nil {
				continue
			}
			if op, ok := meta["index"]; ok {
				if id, ok := op["_id"].(string); ok && !s.has(id) {
					s.ids = append(s.ids, id)
				}
			}
		}
		io.WriteString(w, `{"errors":false,"items":[]}`)
	case strings.HasSuffix(r.URL.Path, "/_refresh"):
		io.WriteString(w, `{"_shards":{"total":1,"successful":1,"failed":0}}`)
	case strings.HasSuffix(r.URL.Path, "/_search"):
		var q struct {
			Query struct {
				MLT struct {
					Like []struct {
						ID string `json:"_id"`
					} `json:"like"`
				} `json:"more_like_this"`
			} `json:"query"`
		}
		_ = json.Unmarshal(body, &q)
		seed := ""
		if len(q.Query.MLT.Like) > 0 {
			seed = q.Query.MLT.Like[0].ID
		}
		size, err := strconv.Atoi(r.URL.Query().Get("size"))
		if err != nil {
			size = 10
		}
		hits := []map[string]any{}
		for _, id := range s.ids {
			if id == seed || len(hits) == size {
				continue
			}
			hits = append(hits, map[string]any{"_id": id, "_score": 1.0})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"hits": map[string]any{"hits": hits}})
	default:
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"unexpected request"}`)
	}
}

func (s *searchServer) has(id string) bool {
	for _, x := range s.ids {
		if x == id {
			return true
		}
	}
	return false
}
