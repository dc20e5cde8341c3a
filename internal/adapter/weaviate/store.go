package weaviate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"sync"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"golang.org/x/sync/singleflight"

	"agentcloud/vector-proxy/internal/vector"
	"agentcloud/vector-proxy/internal/worker"
)

const classPrefix = "Datasource_"

var (
	invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_]`)
	reservedProps    = map[string]bool{"id": true, "_id": true, "_additional": true}
)

var ErrUnsupportedTarget = errors.New("unsupported search target")

type Store struct {
	client  *weaviate.Client
	schema  vector.SchemaClient
	ensured sync.Map
	group   singleflight.Group
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client, schema: NewClassAdmin(client)}
}

// CollectionName maps a datasource id onto a valid Weaviate class name.
func CollectionName(sourceID string) string {
	return classPrefix + invalidNameChars.ReplaceAllString(sourceID, "_")
}

// PropertyName maps a record field onto a valid Weaviate property name.
// Reserved and digit-leading names get a "field_" prefix.
func PropertyName(field string) string {
	name := invalidNameChars.ReplaceAllString(field, "_")
	if name == "" || reservedProps[name] || (name[0] >= '0' && name[0] <= '9') {
		return "field_" + name
	}
	return name
}

// ObjectID returns id unchanged when it is already a UUID, otherwise a
// name-based UUID derived from it so repeated writes hit the same object.
func ObjectID(id string) strfmt.UUID {
	if u, err := uuid.Parse(id); err == nil {
		return strfmt.UUID(u.String())
	}
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(id)).String())
}

// EnsureCollection creates the class backing target once per process.
// Concurrent callers for the same class share one schema round trip. A
// create that loses a race with another writer counts as success once the
// class is visible.
func (s *Store) EnsureCollection(ctx context.Context, className string) error {
	if _, ok := s.ensured.Load(className); ok {
		return nil
	}
	_, err, _ := s.group.Do(className, func() (interface{}, error) {
		if _, ok := s.ensured.Load(className); ok {
			return nil, nil
		}
		if err := vector.EnsureSchema(ctx, s.schema, className); err != nil {
			exists, existsErr := s.schema.ClassExists(ctx, className)
			if existsErr != nil || !exists {
				return nil, fmt.Errorf("ensure collection %s: %w", className, err)
			}
			slog.DebugContext(ctx, "collection created concurrently", "class", className)
		}
		s.ensured.Store(className, struct{}{})
		return nil, nil
	})
	return err
}

// Properties maps a record onto Weaviate property names. Fields that are
// already valid names keep them; the rest are mapped with PropertyName and
// suffixed with _2, _3, ... when that name is taken.
func Properties(ctx context.Context, payload worker.Metadata) map[string]interface{} {
	props := make(map[string]interface{}, len(payload))
	var mapped []string
	for _, k := range slices.Sorted(maps.Keys(payload)) {
		if PropertyName(k) == k {
			props[k] = payload[k]
		} else {
			mapped = append(mapped, k)
		}
	}
	for _, k := range mapped {
		name := PropertyName(k)
		if _, taken := props[name]; taken {
			base := name
			for i := 2; ; i++ {
				name = base + "_" + strconv.Itoa(i)
				if _, taken := props[name]; !taken {
					break
				}
			}
			slog.WarnContext(ctx, "record field collides with another property name", "field", k, "property", name)
		}
		props[name] = payload[k]
	}
	return props
}

// Insert upserts point into the datasource's collection. Writing the same id
// twice replaces the object, so redelivered records do not duplicate.
func (s *Store) Insert(ctx context.Context, target worker.SearchTarget, point worker.Point) (worker.Status, error) {
	if target.Type != worker.SearchTypeCollection || target.Collection == "" {
		return worker.StatusOther, fmt.Errorf("%w: %v", ErrUnsupportedTarget, target)
	}

	className := CollectionName(target.Collection)
	if err := s.EnsureCollection(ctx, className); err != nil {
		return worker.StatusOther, err
	}

	obj := &models.Object{
		Class:      className,
		Properties: Properties(ctx, point.Payload),
		Vector:     point.Vector,
	}
	if point.ID != nil {
		obj.ID = ObjectID(*point.ID)
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(obj).Do(ctx)
	if err != nil {
		return worker.StatusOther, err
	}

	for _, r := range resp {
		if r.Result == nil || r.Result.Errors == nil {
			continue
		}
		var msgs []string
		for _, e := range r.Result.Errors.Error {
			if e != nil {
				msgs = append(msgs, e.Message)
			}
		}
		if len(msgs) > 0 {
			slog.WarnContext(ctx, "weaviate rejected object", "class", className, "id", obj.ID, "errors", msgs)
			return worker.StatusOther, nil
		}
	}
	return worker.StatusOK, nil
}

// Count returns the number of stored objects for a datasource.
func (s *Store) Count(ctx context.Context, sourceID string) (int, error) {
	className := CollectionName(sourceID)
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(className).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %s", res.Errors[0].Message)
	}

	agg, ok := res.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	rows, ok := agg[className].([]interface{})
	if !ok || len(rows) == 0 {
		return 0, nil
	}
	row, _ := rows[0].(map[string]interface{})
	meta, _ := row["meta"].(map[string]interface{})
	count, _ := meta["count"].(float64)
	return int(count), nil
}

var _ worker.VectorStore = (*Store)(nil)
