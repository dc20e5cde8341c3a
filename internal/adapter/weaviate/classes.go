package weaviate

import (
	"context"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"

	"agentcloud/vector-proxy/internal/vector"
)

// ClassAdmin manages the per-datasource collection classes through the
// Weaviate schema API.
type ClassAdmin struct {
	client *weaviate.Client
}

var _ vector.SchemaClient = (*ClassAdmin)(nil)

func NewClassAdmin(client *weaviate.Client) *ClassAdmin {
	return &ClassAdmin{client: client}
}

// ClassExists reports whether a datasource collection has been created.
func (a *ClassAdmin) ClassExists(ctx context.Context, className string) (bool, error) {
	return a.client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
}

// CreateClass fails with a 422 when the class already exists.
func (a *ClassAdmin) CreateClass(ctx context.Context, class *models.Class) error {
	return a.client.Schema().ClassCreator().WithClass(class).Do(ctx)
}

func (a *ClassAdmin) GetClass(ctx context.Context, className string) (*models.Class, error) {
	return a.client.Schema().ClassGetter().WithClassName(className).Do(ctx)
}

// AddProperty backfills a base property missing from a collection created
// by an older release.
func (a *ClassAdmin) AddProperty(ctx context.Context, className string, property *models.Property) error {
	return a.client.Schema().PropertyCreator().WithClassName(className).WithProperty(property).Do(ctx)
}
