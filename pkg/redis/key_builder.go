package redis

import (
	"fmt"
	"strings"
)

// KeyBuilder builds Redis keys following the namespace:context:entity:attribute
// naming convention.
type KeyBuilder struct {
	namespace string
	context   string
}

// NewKeyBuilder creates a new KeyBuilder with the given namespace and context.
func NewKeyBuilder(namespace, context string) *KeyBuilder {
	return &KeyBuilder{
		namespace: strings.ToLower(namespace),
		context:   strings.ToLower(context),
	}
}

// Build creates a Redis key for an entity/attribute pair.
func (kb *KeyBuilder) Build(entity, attribute string) string {
	parts := []string{
		kb.namespace,
		kb.context,
		strings.ToLower(entity),
	}
	if attribute != "" {
		parts = append(parts, attribute)
	}
	return strings.Join(parts, ":")
}

// BuildLock creates a Redis lock key.
func (kb *KeyBuilder) BuildLock(entity, id string) string {
	return kb.Build(entity, fmt.Sprintf("lock:%s", id))
}
