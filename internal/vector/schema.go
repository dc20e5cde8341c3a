package vector

import (
	"context"

	"github.com/weaviate/weaviate/entities/models"
)

// SchemaClient defines the interface for Weaviate schema operations
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

// BaseProperties are present on every datasource collection. Record fields
// beyond these are added by auto-schema on first write.
func BaseProperties() []*models.Property {
	return []*models.Property{
		{
			Name:     "page_content",
			DataType: []string{"text"},
		},
		{
			Name:         "index",
			DataType:     []string{"text"},
			Tokenization: "field", // dedup key, exact match only
		},
	}
}

// EnsureSchema creates className with the base properties, or adds whichever
// base properties an existing class lacks. Vectors are always supplied by the
// caller, so the class has no vectorizer.
func EnsureSchema(ctx context.Context, client SchemaClient, className string) error {
	exists, err := client.ClassExists(ctx, className)
	if err != nil {
		return err
	}

	properties := BaseProperties()

	if !exists {
		class := &models.Class{
			Class:       className,
			Description: "Embedded records of one datasource",
			Vectorizer:  "none",
			Properties:  properties,
		}
		return client.CreateClass(ctx, class)
	}

	class, err := client.GetClass(ctx, className)
	if err != nil {
		return err
	}

	existingProps := make(map[string]bool)
	for _, p := range class.Properties {
		existingProps[p.Name] = true
	}

	for _, p := range properties {
		if !existingProps[p.Name] {
			if err := client.AddProperty(ctx, className, p); err != nil {
				return err
			}
		}
	}

	return nil
}
