// Package tools aggregates tool providers behind one catalog of qualified
// names. Each provider's raw tool names are prefixed with the provider id,
// so two providers can expose the same raw name without colliding. The
// catalog is an immutable snapshot swapped atomically on reload.
package tools
