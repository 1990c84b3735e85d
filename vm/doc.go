// Package vm implements object shapes and inline caches for attribute
// access.
//
// This package contains:
//   - the shape registry (hidden classes) and its transition DAG
//   - shape-laid-out instances with in-object and overflow storage
//   - bytecode rewriting of the attribute-access instructions
//   - per-site polymorphic inline caches and their invalidation
//   - the Runtime that executes cached loads, stores and method loads
//   - registry snapshots
package vm
