package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filemesh/filemesh/internal/broadcast"
	"github.com/filemesh/filemesh/internal/catalog"
	"github.com/filemesh/filemesh/internal/progress"
	"github.com/filemesh/filemesh/internal/storage"
)

type node struct {
	server  *Server
	catalog *catalog.Catalog
	cache   *catalog.Cache
	store   *storage.Local
	channel *broadcast.Channel
}

// newNode assembles a full single-node stack with in-memory storage.
func newNode(t *testing.T, nodeID, authToken string) *node {
	t.Helper()

	codec := catalog.NewCodec()
	cache := catalog.NewCache()
	store := storage.NewLocal(memfs.New(), zerolog.Nop())

	channel := broadcast.New(broadcast.Config{
		NodeID:    nodeID,
		Codec:     codec,
		Transport: broadcast.NewHTTPTransport(authToken, 0),
		Apply:     cache.Apply,
		Logger:    zerolog.Nop(),
	})
	cat := catalog.New(catalog.Config{
		NodeID:    nodeID,
		Cache:     cache,
		Codec:     codec,
		Store:     store,
		Progress:  progress.NewMemory(),
		Broadcast: channel,
		Logger:    zerolog.Nop(),
	})
	agg := catalog.NewAggregator(cache, memfs.New())

	return &node{
		server:  NewServer(":0", authToken, cat, agg, channel, zerolog.Nop()),
		catalog: cat,
		cache:   cache,
		store:   store,
		channel: channel,
	}
}

func segKey(id string) string {
	return fmt.Sprintf("files/default/logs/olympics/2022/10/03/10/%s.parquet", id)
}

func seed(t *testing.T, n *node, id string, minTS, maxTS int64) string {
	t.Helper()

	key := segKey(id)
	require.NoError(t, n.store.Put(context.Background(), key, []byte("parquet-bytes")))
	require.NoError(t, n.catalog.Commit(context.Background(), catalog.Batch{{
		Key: key,
		Meta: catalog.SegmentMeta{
			OriginalSize:   4096,
			CompressedSize: 1024,
			Records:        100,
			MinTS:          minTS,
			MaxTS:          maxTS,
		},
	}}))
	return key
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req := httptest.NewRequest(method, path, &reqBody)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleSegments(t *testing.T) {
	n := newNode(t, "node-1", "")
	seed(t, n, "a", 100, 200)
	seed(t, n, "b", 150, 250)
	seed(t, n, "c", 300, 400)

	rec := doJSON(t, n.server, http.MethodGet,
		"/api/v1/segments?org=default&stream=olympics&stream_type=logs&time_min=180&time_max=220", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Files []string `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{segKey("a"), segKey("b")}, resp.Files)
}

func TestHandleSegmentsMissingParams(t *testing.T) {
	n := newNode(t, "node-1", "")
	rec := doJSON(t, n.server, http.MethodGet, "/api/v1/segments?org=default", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSegmentMetaSoftFail(t *testing.T) {
	n := newNode(t, "node-1", "")

	rec := doJSON(t, n.server, http.MethodGet, "/api/v1/segments/meta?key="+segKey("nope"), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var meta catalog.SegmentMeta
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, catalog.SegmentMeta{}, meta)
}

func TestHandleSizes(t *testing.T) {
	n := newNode(t, "node-1", "")
	keyA := seed(t, n, "a", 100, 200)
	keyB := seed(t, n, "b", 150, 250)

	rec := doJSON(t, n.server, http.MethodPost, "/api/v1/segments/sizes", "",
		map[string][]string{"keys": {keyA, keyB, segKey("missing")}})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		OriginalSize   int64 `json:"original_size"`
		CompressedSize int64 `json:"compressed_size"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(8192), resp.OriginalSize)
	assert.Equal(t, int64(2048), resp.CompressedSize)
}

func TestHandleSizesEmptyCache(t *testing.T) {
	n := newNode(t, "node-1", "")

	rec := doJSON(t, n.server, http.MethodPost, "/api/v1/segments/sizes", "",
		map[string][]string{"keys": {"files/default/logs/olympics/2022/10/03/10/1.parquet"}})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp["original_size"])
	assert.Zero(t, resp["compressed_size"])
}

func TestHandleRetire(t *testing.T) {
	n := newNode(t, "node-1", "")
	key := seed(t, n, "a", 100, 200)

	rec := doJSON(t, n.server, http.MethodPost, "/api/v1/segments/retire", "",
		map[string]string{"key": key})
	require.Equal(t, http.StatusOK, rec.Code)

	// Retired segments disappear from range queries.
	rec = doJSON(t, n.server, http.MethodGet,
		"/api/v1/segments?org=default&stream=olympics&stream_type=logs", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Files []string `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Files)
}

func TestHandleRetireMalformedKeySucceeds(t *testing.T) {
	n := newNode(t, "node-1", "")

	rec := doJSON(t, n.server, http.MethodPost, "/api/v1/segments/retire", "",
		map[string]string{"key": "garbage/key"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	n := newNode(t, "node-1", "secret")

	rec := doJSON(t, n.server, http.MethodGet,
		"/api/v1/segments?org=default&stream=olympics", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, n.server, http.MethodGet,
		"/api/v1/segments?org=default&stream=olympics", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, n.server, http.MethodGet,
		"/api/v1/segments?org=default&stream=olympics", "secret", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthUnauthenticated(t *testing.T) {
	n := newNode(t, "node-1", "secret")
	rec := doJSON(t, n.server, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// Two full nodes converge over real HTTP: a retirement on node A reaches
// node B's cache through the broadcast endpoint.
func TestTwoNodeConvergence(t *testing.T) {
	token := "mesh-token"
	nodeA := newNode(t, "node-a", token)
	nodeB := newNode(t, "node-b", token)

	tsB := httptest.NewServer(nodeB.server)
	defer tsB.Close()
	nodeA.channel.AddPeer(tsB.URL)

	// Both nodes know the segment (as they would after replay).
	key := seed(t, nodeA, "a", 100, 200)
	nodeB.cache.Apply(catalog.Batch{{
		Key:  key,
		Meta: catalog.SegmentMeta{OriginalSize: 4096, CompressedSize: 1024, MinTS: 100, MaxTS: 200},
	}})
	require.True(t, nodeB.cache.Lookup(key).Found)

	require.NoError(t, nodeA.catalog.RetireSegment(context.Background(), key))

	// The tombstone arrived at node B without any replay.
	assert.False(t, nodeB.cache.Lookup(key).Found)
	assert.Empty(t, nodeB.cache.Query("default", "olympics", "logs", 0, 0))
}

func TestBroadcastEndpointRejectsGarbage(t *testing.T) {
	n := newNode(t, "node-1", "")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/broadcast", bytes.NewReader([]byte("junk")))
	rec := httptest.NewRecorder()
	n.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
