package weaviate_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	adapter "agentcloud/vector-proxy/internal/adapter/weaviate"
	"agentcloud/vector-proxy/internal/worker"
)

func mockWeaviate(t *testing.T, handler http.HandlerFunc) (*weaviate.Client, *httptest.Server) {
	ts := httptest.NewServer(handler)
	cfg := weaviate.Config{Host: ts.Listener.Addr().String(), Scheme: "http"}
	client, err := weaviate.NewClient(cfg)
	assert.NoError(t, err)
	return client, ts
}

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "Datasource_abc123", adapter.CollectionName("abc123"))
	assert.Equal(t, "Datasource_6650_b2_f", adapter.CollectionName("6650-b2.f"))
}

func TestPropertyName(t *testing.T) {
	tests := map[string]string{
		"title":        "title",
		"page_content": "page_content",
		"id":           "field_id",
		"_id":          "field__id",
		"_additional":  "field__additional",
		"first name":   "first_name",
		"1st":          "field_1st",
		"a.b-c":        "a_b_c",
	}
	for in, want := range tests {
		assert.Equal(t, want, adapter.PropertyName(in), in)
	}
}

func TestProperties_Collisions(t *testing.T) {
	props := adapter.Properties(context.Background(), worker.Metadata{
		"a-b":  "dash",
		"a_b":  "underscore",
		"a.b":  "dot",
		"id":   "42",
		"body": "x",
	})

	assert.Equal(t, map[string]interface{}{
		"a_b":      "underscore",
		"a_b_2":    "dash",
		"a_b_3":    "dot",
		"field_id": "42",
		"body":     "x",
	}, props)
}

func TestObjectID(t *testing.T) {
	u := "1b4e28ba-2fa1-11d2-883f-0016d3cca427"
	assert.Equal(t, u, string(adapter.ObjectID(u)))

	a := adapter.ObjectID("not-a-uuid")
	b := adapter.ObjectID("not-a-uuid")
	assert.Equal(t, a, b)
	assert.NotEqual(t, "not-a-uuid", string(a))
}

func TestStore_Insert(t *testing.T) {
	id := "1b4e28ba-2fa1-11d2-883f-0016d3cca427"
	target := worker.SearchTarget{Type: worker.SearchTypeCollection, Collection: "ds1"}
	point := worker.Point{
		ID:      &id,
		Vector:  []float32{0.1, 0.2},
		Payload: worker.Metadata{"id": "42", "page_content": "hello", "index": id},
	}

	t.Run("Success", func(t *testing.T) {
		var schemaCalls atomic.Int32
		client, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/v1/meta":
				w.Write([]byte(`{"version": "1.25.0"}`))
			case "/v1/schema/Datasource_ds1":
				schemaCalls.Add(1)
				w.WriteHeader(http.StatusNotFound)
			case "/v1/schema":
				assert.Equal(t, "POST", r.Method)
				var class map[string]interface{}
				json.NewDecoder(r.Body).Decode(&class)
				assert.Equal(t, "Datasource_ds1", class["class"])
				assert.Equal(t, "none", class["vectorizer"])
				w.Write([]byte(`{}`))
			case "/v1/batch/objects":
				assert.Equal(t, "POST", r.Method)
				var body struct {
					Objects []map[string]interface{} `json:"objects"`
				}
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				require.Len(t, body.Objects, 1)
				obj := body.Objects[0]
				assert.Equal(t, "Datasource_ds1", obj["class"])
				assert.Equal(t, id, obj["id"])
				props := obj["properties"].(map[string]interface{})
				assert.Equal(t, "42", props["field_id"])
				assert.Equal(t, "hello", props["page_content"])
				assert.NotContains(t, props, "id")
				json.NewEncoder(w).Encode([]map[string]interface{}{
					{"class": "Datasource_ds1", "id": id, "result": map[string]interface{}{}},
				})
			default:
				t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			}
		})
		defer ts.Close()

		store := adapter.NewStore(client)
		status, err := store.Insert(context.Background(), target, point)
		require.NoError(t, err)
		assert.Equal(t, worker.StatusOK, status)

		// The collection is only checked once per process.
		status, err = store.Insert(context.Background(), target, point)
		require.NoError(t, err)
		assert.Equal(t, worker.StatusOK, status)
		assert.Equal(t, int32(1), schemaCalls.Load())
	})

	t.Run("ObjectRejected", func(t *testing.T) {
		client, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/v1/meta":
				w.Write([]byte(`{"version": "1.25.0"}`))
			case "/v1/schema/Datasource_ds1":
				json.NewEncoder(w).Encode(map[string]interface{}{
					"class": "Datasource_ds1",
					"properties": []map[string]interface{}{
						{"name": "page_content", "dataType": []string{"text"}},
						{"name": "index", "dataType": []string{"text"}},
					},
				})
			case "/v1/batch/objects":
				json.NewEncoder(w).Encode([]map[string]interface{}{{
					"class": "Datasource_ds1",
					"result": map[string]interface{}{
						"errors": map[string]interface{}{
							"error": []map[string]string{{"message": "vector lengths don't match"}},
						},
					},
				}})
			}
		})
		defer ts.Close()

		store := adapter.NewStore(client)
		status, err := store.Insert(context.Background(), target, point)
		require.NoError(t, err)
		assert.Equal(t, worker.StatusOther, status)
	})

	t.Run("TransportError", func(t *testing.T) {
		client, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/v1/meta":
				w.Write([]byte(`{"version": "1.25.0"}`))
			case "/v1/schema/Datasource_ds1":
				json.NewEncoder(w).Encode(map[string]interface{}{"class": "Datasource_ds1"})
			case "/v1/schema/Datasource_ds1/properties":
				w.Write([]byte(`{}`))
			default:
				w.WriteHeader(http.StatusInternalServerError)
			}
		})
		defer ts.Close()

		store := adapter.NewStore(client)
		status, err := store.Insert(context.Background(), target, point)
		assert.Error(t, err)
		assert.Equal(t, worker.StatusOther, status)
	})

	t.Run("UnsupportedTarget", func(t *testing.T) {
		store := adapter.NewStore(nil)
		status, err := store.Insert(context.Background(), worker.SearchTarget{Type: worker.SearchTypeCollection}, point)
		assert.ErrorIs(t, err, adapter.ErrUnsupportedTarget)
		assert.Equal(t, worker.StatusOther, status)
	})
}

func TestStore_Count(t *testing.T) {
	client, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/meta" {
			w.Write([]byte(`{"version": "1.25.0"}`))
			return
		}
		assert.Equal(t, "/v1/graphql", r.URL.Path)
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		assert.Contains(t, body["query"], "Aggregate")
		assert.Contains(t, body["query"], "Datasource_ds1")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"Aggregate": map[string]interface{}{
					"Datasource_ds1": []interface{}{
						map[string]interface{}{"meta": map[string]interface{}{"count": 17}},
					},
				},
			},
		})
	})
	defer ts.Close()

	store := adapter.NewStore(client)
	count, err := store.Count(context.Background(), "ds1")
	require.NoError(t, err)
	assert.Equal(t, 17, count)
}

// classServer fakes the schema endpoints: the class is missing until the
// first create, creates are slow, and any later create fails as Weaviate
// does for an existing class.
func classServer(t *testing.T, creates *atomic.Int32) http.HandlerFunc {
	var created atomic.Bool
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/meta":
			w.Write([]byte(`{"version": "1.25.0"}`))
		case "/v1/schema/Datasource_ds1":
			if !created.Load() {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"class": "Datasource_ds1"})
		case "/v1/schema":
			if creates.Add(1) > 1 {
				w.WriteHeader(http.StatusUnprocessableEntity)
				w.Write([]byte(`{"error":[{"message":"class name Datasource_ds1 already exists"}]}`))
				return
			}
			time.Sleep(50 * time.Millisecond)
			created.Store(true)
			w.Write([]byte(`{}`))
		case "/v1/batch/objects":
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{"class": "Datasource_ds1", "result": map[string]interface{}{}},
			})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}
}

func TestStore_Insert_ConcurrentFirstWrites(t *testing.T) {
	var creates atomic.Int32
	client, ts := mockWeaviate(t, classServer(t, &creates))
	defer ts.Close()

	store := adapter.NewStore(client)
	target := worker.SearchTarget{Type: worker.SearchTypeCollection, Collection: "ds1"}

	const writers = 8
	var wg sync.WaitGroup
	statuses := make([]worker.Status, writers)
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			point := worker.Point{Vector: []float32{0.1}, Payload: worker.Metadata{"page_content": "x"}}
			statuses[i], errs[i] = store.Insert(context.Background(), target, point)
		}(i)
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		assert.NoError(t, errs[i])
		assert.Equal(t, worker.StatusOK, statuses[i])
	}
	assert.Equal(t, int32(1), creates.Load())
}

func TestStore_EnsureCollection_CreatedElsewhere(t *testing.T) {
	var creates atomic.Int32
	creates.Store(1) // another process already won the create
	var gets atomic.Int32
	inner := classServer(t, &creates)
	client, ts := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/schema/Datasource_ds1" && gets.Add(1) > 1 {
			json.NewEncoder(w).Encode(map[string]interface{}{"class": "Datasource_ds1"})
			return
		}
		inner(w, r)
	})
	defer ts.Close()

	store := adapter.NewStore(client)
	require.NoError(t, store.EnsureCollection(context.Background(), "Datasource_ds1"))
	assert.Equal(t, int32(2), creates.Load())
}
